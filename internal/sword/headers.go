package sword

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"mime"
	"strings"
)

var (
	ErrMissingInProgress  = errors.New("In-Progress header is required")
	ErrInvalidInProgress  = errors.New("In-Progress header must be true or false")
	ErrMissingDisposition = errors.New("Content-disposition must be set in request header.")
	ErrNoFilename         = errors.New("No filename found in Content-disposition header.")
)

// ParseInProgress interprets the In-Progress header.
func ParseInProgress(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return false, ErrMissingInProgress
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidInProgress, v)
	}
}

// ParseContentDisposition returns the filename parameter of a
// Content-Disposition header such as `attachment; filename=object.zip`.
func ParseContentDisposition(v string) (string, error) {
	if strings.TrimSpace(v) == "" {
		return "", ErrMissingDisposition
	}
	_, params, err := mime.ParseMediaType(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoFilename, err)
	}
	name := strings.TrimSpace(params["filename"])
	if name == "" {
		return "", ErrNoFilename
	}
	return name, nil
}

// NewContentHash returns the digest Content-MD5 is checked against.
func NewContentHash() hash.Hash {
	return md5.New()
}

// ChecksumMatches compares a Content-MD5 value, hex or base64 encoded, with sum.
func ChecksumMatches(header string, sum []byte) bool {
	header = strings.TrimSpace(header)
	if strings.EqualFold(header, hex.EncodeToString(sum)) {
		return true
	}
	return header == base64.StdEncoding.EncodeToString(sum)
}
