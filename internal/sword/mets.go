// Package sword is the SWORD v2 wire codec: METS descriptor parsing, Atom
// documents and the protocol's request headers.
package sword

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	NamespaceMETS  = "http://www.loc.gov/METS/"
	NamespaceXLink = "http://www.w3.org/1999/xlink"
)

var (
	// ErrMalformedDescriptor is returned when the descriptor is not well-formed XML.
	ErrMalformedDescriptor = errors.New("descriptor is not well-formed XML")
	// ErrNoDepositName is returned when the descriptor root carries no LABEL.
	ErrNoDepositName = errors.New("no deposit name found in descriptor")
)

// Descriptor is what a deposit request's METS document tells us.
type Descriptor struct {
	Name string
	URLs []string
}

type metsRoot struct {
	XMLName xml.Name
	Label   string      `xml:"LABEL,attr"`
	FileSec metsFileSec `xml:"http://www.loc.gov/METS/ fileSec"`
}

type metsFileSec struct {
	Groups []metsFileGrp `xml:"http://www.loc.gov/METS/ fileGrp"`
}

type metsFileGrp struct {
	ID     string        `xml:"ID,attr"`
	Groups []metsFileGrp `xml:"http://www.loc.gov/METS/ fileGrp"`
	Files  []metsFile    `xml:"http://www.loc.gov/METS/ file"`
}

type metsFile struct {
	Locations []metsFLocat `xml:"http://www.loc.gov/METS/ FLocat"`
}

type metsFLocat struct {
	Href string `xml:"http://www.w3.org/1999/xlink href,attr"`
}

// ParseDescriptor reads the deposit name from the root LABEL attribute and
// the content URLs from fileSec/fileGrp[@ID='DATASTREAMS']/fileGrp[@ID='OBJ'].
// Zero URLs is a valid descriptor.
func ParseDescriptor(r io.Reader) (*Descriptor, error) {
	root, err := decode(r)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(root.Label)
	if name == "" {
		return nil, ErrNoDepositName
	}
	return &Descriptor{Name: name, URLs: root.contentURLs()}, nil
}

// ParseContentURLs is ParseDescriptor for documents that only add content to
// an existing deposit, where LABEL is not required.
func ParseContentURLs(r io.Reader) ([]string, error) {
	root, err := decode(r)
	if err != nil {
		return nil, err
	}
	return root.contentURLs(), nil
}

// SyntaxDetail returns the decoder's message from a malformed descriptor error.
func SyntaxDetail(err error) string {
	return strings.TrimPrefix(err.Error(), ErrMalformedDescriptor.Error()+": ")
}

func decode(r io.Reader) (*metsRoot, error) {
	dec := xml.NewDecoder(r)
	var root metsRoot
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	if root.XMLName.Space != NamespaceMETS || root.XMLName.Local != "mets" {
		return nil, fmt.Errorf("%w: root element is {%s}%s, want {%s}mets",
			ErrMalformedDescriptor, root.XMLName.Space, root.XMLName.Local, NamespaceMETS)
	}
	if err := expectEOF(dec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	return &root, nil
}

// expectEOF rejects anything but whitespace, comments and processing
// instructions after the root element.
func expectEOF(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.Comment, xml.ProcInst:
		case xml.CharData:
			if len(strings.TrimSpace(string(t))) != 0 {
				return fmt.Errorf("extra content at the end of the document")
			}
		default:
			return fmt.Errorf("extra content at the end of the document")
		}
	}
}

func (m *metsRoot) contentURLs() []string {
	var urls []string
	for _, ds := range m.FileSec.Groups {
		if ds.ID != "DATASTREAMS" {
			continue
		}
		for _, obj := range ds.Groups {
			if obj.ID != "OBJ" {
				continue
			}
			for _, f := range obj.Files {
				for _, loc := range f.Locations {
					if href := strings.TrimSpace(loc.Href); href != "" {
						urls = append(urls, href)
					}
				}
			}
		}
	}
	return urls
}
