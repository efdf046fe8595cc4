package sword

import (
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	NamespaceAtom  = "http://www.w3.org/2005/Atom"
	NamespaceApp   = "http://www.w3.org/2007/app"
	NamespaceSword = "http://purl.org/net/sword/terms/"
	NamespaceDC    = "http://purl.org/dc/terms/"

	ContentTypeAtomEntry = "application/atom+xml;type=entry"
	ContentTypeAtomFeed  = "application/atom+xml;type=feed"
	ContentTypeService   = "application/atomsvc+xml"
	ContentTypeError     = "application/xml"

	generatorURI = "https://github.com/mattjoyce/depositd"
)

// Link is an Atom link.
type Link struct {
	Rel  string `xml:"rel,attr,omitempty"`
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr,omitempty"`
}

// Generator identifies this server in SWORD documents.
type Generator struct {
	URI     string `xml:"uri,attr"`
	Version string `xml:"version,attr"`
}

// ServiceDocument advertises the SWORD collections this server accepts deposits into.
type ServiceDocument struct {
	XMLName       xml.Name     `xml:"service"`
	XMLNS         string       `xml:"xmlns,attr"`
	XMLNSAtom     string       `xml:"xmlns:atom,attr"`
	XMLNSSword    string       `xml:"xmlns:sword,attr"`
	XMLNSDC       string       `xml:"xmlns:dcterms,attr"`
	Version       string       `xml:"sword:version"`
	MaxUploadSize int64        `xml:"sword:maxUploadSize,omitempty"`
	Workspace     SvcWorkspace `xml:"workspace"`
}

type SvcWorkspace struct {
	Title       string          `xml:"atom:title"`
	Collections []SvcCollection `xml:"collection"`
}

type SvcCollection struct {
	Href      string   `xml:"href,attr"`
	Title     string   `xml:"atom:title"`
	Accept    []Accept `xml:"accept"`
	Abstract  string   `xml:"dcterms:abstract,omitempty"`
	Mediation bool     `xml:"sword:mediation"`
}

type Accept struct {
	Alternate string `xml:"alternate,attr,omitempty"`
	Value     string `xml:",chardata"`
}

// NewServiceDocument builds an empty service document.
func NewServiceDocument(title string, maxUploadSize int64) *ServiceDocument {
	return &ServiceDocument{
		XMLNS:         NamespaceApp,
		XMLNSAtom:     NamespaceAtom,
		XMLNSSword:    NamespaceSword,
		XMLNSDC:       NamespaceDC,
		Version:       "2.0",
		MaxUploadSize: maxUploadSize,
		Workspace:     SvcWorkspace{Title: title},
	}
}

// AddCollection appends a collection accepting any media type.
func (d *ServiceDocument) AddCollection(href, title, abstract string) {
	d.Workspace.Collections = append(d.Workspace.Collections, SvcCollection{
		Href:     href,
		Title:    title,
		Abstract: abstract,
		Accept: []Accept{
			{Value: "*/*"},
			{Alternate: "multipart-related", Value: "*/*"},
		},
	})
}

// Entry is an Atom entry. Deposit receipts are entries with SWORD extensions.
type Entry struct {
	XMLName    xml.Name   `xml:"entry"`
	XMLNS      string     `xml:"xmlns,attr,omitempty"`
	XMLNSSword string     `xml:"xmlns:sword,attr,omitempty"`
	ID         string     `xml:"id"`
	Title      string     `xml:"title"`
	Updated    string     `xml:"updated"`
	Summary    string     `xml:"summary,omitempty"`
	Generator  *Generator `xml:"generator,omitempty"`
	Links      []Link     `xml:"link"`
	Treatment  string     `xml:"sword:treatment,omitempty"`
	Packaging  string     `xml:"sword:packaging,omitempty"`
}

// Feed is an Atom feed used for collection listings, media listings and state.
type Feed struct {
	XMLName    xml.Name `xml:"feed"`
	XMLNS      string   `xml:"xmlns,attr"`
	XMLNSSword string   `xml:"xmlns:sword,attr"`
	ID         string   `xml:"id"`
	Title      string   `xml:"title"`
	Updated    string   `xml:"updated"`
	Links      []Link   `xml:"link"`
	State      *State   `xml:"sword:state,omitempty"`
	Entries    []Entry  `xml:"entry"`
}

// State is the SWORD statement state element.
type State struct {
	Href        string `xml:"href,attr"`
	Description string `xml:"sword:stateDescription"`
}

// NewFeed builds a feed with namespaces set.
func NewFeed(id, title string, updated time.Time) *Feed {
	return &Feed{
		XMLNS:      NamespaceAtom,
		XMLNSSword: NamespaceSword,
		ID:         id,
		Title:      title,
		Updated:    formatTime(updated),
		Links:      []Link{{Rel: "self", Href: id}},
	}
}

// ReceiptLinks are the IRIs a deposit receipt points at.
type ReceiptLinks struct {
	Edit      string
	EditMedia string
	State     string
}

// NewEntry builds a bare entry for feeds.
func NewEntry(id, title string, updated time.Time, links ...Link) Entry {
	return Entry{ID: id, Title: title, Updated: formatTime(updated), Links: links}
}

// NewReceipt builds a deposit receipt entry.
func NewReceipt(id, title, treatment string, updated time.Time, links ReceiptLinks) *Entry {
	e := NewEntry(id, title, updated,
		Link{Rel: "edit", Href: links.Edit},
		Link{Rel: "edit-media", Href: links.EditMedia},
		Link{Rel: NamespaceSword + "add", Href: links.Edit},
		Link{Rel: NamespaceSword + "statement", Type: ContentTypeAtomFeed, Href: links.State},
	)
	e.XMLNS = NamespaceAtom
	e.XMLNSSword = NamespaceSword
	e.Generator = &Generator{URI: generatorURI, Version: "2.0"}
	e.Treatment = treatment
	e.Packaging = "http://purl.org/net/sword/package/METSDSpaceSIP"
	return &e
}

// ErrorDocument is the SWORD error document.
type ErrorDocument struct {
	XMLName    xml.Name  `xml:"sword:error"`
	XMLNS      string    `xml:"xmlns,attr"`
	XMLNSSword string    `xml:"xmlns:sword,attr"`
	Href       string    `xml:"href,attr"`
	Title      string    `xml:"title"`
	Updated    string    `xml:"updated"`
	Generator  Generator `xml:"generator"`
	Summary    string    `xml:"summary"`
	Status     int       `xml:"sword:status"`
	UserAgent  string    `xml:"sword:userAgent,omitempty"`
}

// NewErrorDocument builds an error document for status.
func NewErrorDocument(status int, summary, userAgent string, now time.Time) *ErrorDocument {
	return &ErrorDocument{
		XMLNS:      NamespaceAtom,
		XMLNSSword: NamespaceSword,
		Href:       NamespaceSword + "error/" + strconv.Itoa(status),
		Title:      "ERROR",
		Updated:    formatTime(now),
		Generator:  Generator{URI: generatorURI, Version: "2.0"},
		Summary:    summary,
		Status:     status,
		UserAgent:  userAgent,
	}
}

// Write renders doc as XML with the given status and content type.
func Write(w http.ResponseWriter, status int, contentType string, doc any) error {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	return encode(w, doc)
}

func encode(w io.Writer, doc any) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Flush()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
