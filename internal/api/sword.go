package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/depositd/internal/deposit"
	"github.com/mattjoyce/depositd/internal/location"
	"github.com/mattjoyce/depositd/internal/sword"
)

// baseURL is the scheme and host IRIs are built from.
func (s *Server) baseURL(r *http.Request) string {
	if s.config.BaseURL != "" {
		return strings.TrimRight(s.config.BaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

func collectionPath(spaceUUID string) string {
	return apiPrefix + "/space/" + spaceUUID + "/sword/collection/"
}

func editPath(depositUUID string) string {
	return apiPrefix + "/location/" + depositUUID + "/sword/"
}

func mediaPath(depositUUID string) string {
	return editPath(depositUUID) + "media/"
}

func statePath(depositUUID string) string {
	return editPath(depositUUID) + "state/"
}

// handleServiceDocument handles GET /api/v1/sword/ and /api/v1/space/{uuid}/sword/.
func (s *Server) handleServiceDocument(w http.ResponseWriter, r *http.Request) {
	spaces, err := s.spaces.ListSwordSpaces(r.Context())
	if err != nil {
		s.writeDepositError(w, r, err)
		return
	}
	if id := chi.URLParam(r, "uuid"); id != "" {
		var only []location.Space
		for _, sp := range spaces {
			if sp.UUID == id {
				only = append(only, sp)
			}
		}
		if len(only) == 0 {
			s.writeSwordError(w, r, http.StatusNotFound, fmt.Sprintf("Space %s does not exist or does not accept deposits.", id))
			return
		}
		spaces = only
	}

	base := s.baseURL(r)
	doc := sword.NewServiceDocument(s.config.ServiceTitle, s.config.MaxUploadBytes/1024)
	for _, sp := range spaces {
		doc.AddCollection(base+collectionPath(sp.UUID), "Collection", "Deposits into space "+sp.UUID)
	}
	s.write(w, http.StatusOK, sword.ContentTypeService, doc)
}

// handleCollectionList handles GET /api/v1/space/{uuid}/sword/collection/.
func (s *Server) handleCollectionList(w http.ResponseWriter, r *http.Request) {
	spaceUUID := chi.URLParam(r, "uuid")
	_, deposits, err := s.deposits.List(r.Context(), spaceUUID)
	if err != nil {
		s.writeDepositError(w, r, err)
		return
	}

	base := s.baseURL(r)
	feed := sword.NewFeed(base+collectionPath(spaceUUID), "Deposits", s.now())
	for _, d := range deposits {
		iri := base + editPath(d.UUID)
		feed.Entries = append(feed.Entries, sword.NewEntry(iri, d.Name, d.CreatedAt, sword.Link{Rel: "edit", Href: iri}))
	}
	s.write(w, http.StatusOK, sword.ContentTypeAtomFeed, feed)
}

// handleCollectionCreate handles POST /api/v1/space/{uuid}/sword/collection/.
// A METS body creates a deposit whose content URLs are fetched in the
// background; an empty body with source_location and relative_path_to_files
// copies content already on the server and finalizes it at once.
func (s *Server) handleCollectionCreate(w http.ResponseWriter, r *http.Request) {
	spaceUUID := chi.URLParam(r, "uuid")

	inProgress, err := sword.ParseInProgress(r.Header.Get("In-Progress"))
	if err != nil {
		s.writeSwordError(w, r, http.StatusPreconditionFailed, "The In-Progress header must be set to either true or false when creating a deposit.")
		return
	}

	body, ok := s.readMETS(w, r)
	if !ok {
		return
	}

	if len(bytes.TrimSpace(body)) == 0 {
		q := r.URL.Query()
		source, rel := q.Get("source_location"), q.Get("relative_path_to_files")
		if source == "" && rel == "" {
			s.writeSwordError(w, r, http.StatusPreconditionFailed, "A request body must be sent when creating a deposit.")
			return
		}
		d, err := s.deposits.ImportFromLocation(r.Context(), deposit.ImportRequest{
			SpaceUUID:      spaceUUID,
			SourceLocation: source,
			RelativePath:   rel,
		})
		if err != nil {
			s.writeDepositError(w, r, err)
			return
		}
		s.writeReceipt(w, r, d, http.StatusOK, deposit.ProgressFinalized)
		return
	}

	desc, ok := s.parseDescriptor(w, r, body)
	if !ok {
		return
	}

	d, err := s.deposits.Create(r.Context(), deposit.CreateRequest{
		SpaceUUID: spaceUUID,
		Name:      desc.Name,
		Source:    r.Header.Get("On-Behalf-Of"),
	})
	if err != nil {
		s.writeDepositError(w, r, err)
		return
	}

	progress, err := s.deposits.SubmitContent(r.Context(), d.UUID, desc.URLs, !inProgress)
	if err != nil {
		s.writeDepositError(w, r, err)
		return
	}
	status := http.StatusOK
	if inProgress {
		status = http.StatusCreated
	}
	s.writeReceipt(w, r, d, status, progress)
}

func (s *Server) readMETS(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxMETSBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeSwordError(w, r, http.StatusRequestEntityTooLarge, "The METS document is too large.")
			return nil, false
		}
		s.writeSwordError(w, r, http.StatusBadRequest, "Could not read request body.")
		return nil, false
	}
	return body, true
}

func (s *Server) parseDescriptor(w http.ResponseWriter, r *http.Request, body []byte) (*sword.Descriptor, bool) {
	desc, err := sword.ParseDescriptor(bytes.NewReader(body))
	switch {
	case errors.Is(err, sword.ErrNoDepositName):
		s.writeSwordError(w, r, http.StatusBadRequest, "No deposit name found in XML.")
		return nil, false
	case err != nil:
		s.writeSwordError(w, r, http.StatusPreconditionFailed, fmt.Sprintf("Error parsing XML (%s).", sword.SyntaxDetail(err)))
		return nil, false
	}
	return desc, true
}

func treatment(p deposit.Progress) string {
	switch p {
	case deposit.ProgressFinalized:
		return "Deposit has been submitted to its pipeline for processing."
	case deposit.ProgressDeferred:
		return "Deposit will be submitted for processing once its content has been downloaded."
	default:
		return "Deposit is awaiting further content."
	}
}

func (s *Server) writeReceipt(w http.ResponseWriter, r *http.Request, d *deposit.Deposit, status int, p deposit.Progress) {
	base := s.baseURL(r)
	receipt := sword.NewReceipt(base+editPath(d.UUID), d.Name, treatment(p), s.now(), sword.ReceiptLinks{
		Edit:      base + editPath(d.UUID),
		EditMedia: base + mediaPath(d.UUID),
		State:     base + statePath(d.UUID),
	})
	w.Header().Set("Location", editPath(d.UUID))
	s.write(w, status, sword.ContentTypeAtomEntry, receipt)
}

func (s *Server) write(w http.ResponseWriter, status int, contentType string, doc any) {
	if err := sword.Write(w, status, contentType, doc); err != nil {
		s.logger.Warn("failed to write response document", "error", err)
	}
}

// handleDepositGet handles GET on a deposit's edit IRI.
func (s *Server) handleDepositGet(w http.ResponseWriter, r *http.Request) {
	d, err := s.deposits.Get(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		s.writeDepositError(w, r, err)
		return
	}
	base := s.baseURL(r)
	entry := sword.NewEntry(base+editPath(d.UUID), d.Name, d.CreatedAt,
		sword.Link{Rel: "edit", Href: base + editPath(d.UUID)},
		sword.Link{Rel: "edit-media", Href: base + mediaPath(d.UUID)},
		sword.Link{Rel: sword.NamespaceSword + "statement", Type: sword.ContentTypeAtomFeed, Href: base + statePath(d.UUID)},
	)
	entry.XMLNS = sword.NamespaceAtom
	entry.XMLNSSword = sword.NamespaceSword
	entry.Summary = string(d.State())
	s.write(w, http.StatusOK, sword.ContentTypeAtomEntry, &entry)
}

// handleDepositPost handles POST on a deposit's edit IRI. A METS body adds a
// batch of content URLs; an empty body with In-Progress: false finalizes.
func (s *Server) handleDepositPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	header := r.Header.Get("In-Progress")
	finalize := strings.EqualFold(strings.TrimSpace(header), "false")
	if header != "" {
		if _, err := sword.ParseInProgress(header); err != nil {
			s.writeSwordError(w, r, http.StatusPreconditionFailed, "The In-Progress header must be set to either true or false.")
			return
		}
	}

	body, ok := s.readMETS(w, r)
	if !ok {
		return
	}

	var (
		progress deposit.Progress
		err      error
	)
	switch {
	case len(bytes.TrimSpace(body)) > 0:
		urls, perr := sword.ParseContentURLs(bytes.NewReader(body))
		if perr != nil {
			s.writeSwordError(w, r, http.StatusPreconditionFailed, fmt.Sprintf("Error parsing XML (%s).", sword.SyntaxDetail(perr)))
			return
		}
		progress, err = s.deposits.SubmitContent(r.Context(), id, urls, finalize)
	case finalize:
		progress, err = s.deposits.FinalizeOrDefer(r.Context(), id)
	default:
		_, err = s.deposits.Editable(r.Context(), id)
	}
	if err != nil {
		s.writeDepositError(w, r, err)
		return
	}

	d, err := s.deposits.Get(r.Context(), id)
	if err != nil {
		s.writeDepositError(w, r, err)
		return
	}
	s.writeReceipt(w, r, d, http.StatusOK, progress)
}

// handleDepositPut handles PUT on a deposit's edit IRI. Metadata updates are
// accepted and ignored.
func (s *Server) handleDepositPut(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deposits.Editable(r.Context(), chi.URLParam(r, "uuid")); err != nil {
		s.writeDepositError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDepositDelete handles DELETE on a deposit's edit IRI.
func (s *Server) handleDepositDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deposits.Delete(r.Context(), chi.URLParam(r, "uuid")); err != nil {
		s.writeDepositError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMediaList handles GET on a deposit's edit-media IRI.
func (s *Server) handleMediaList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	d, err := s.deposits.Editable(r.Context(), id)
	if err != nil {
		s.writeDepositError(w, r, err)
		return
	}
	names, err := s.deposits.ListFiles(r.Context(), id)
	if err != nil {
		s.writeDepositError(w, r, err)
		return
	}

	base := s.baseURL(r)
	feed := sword.NewFeed(base+mediaPath(id), d.Name, s.now())
	for _, name := range names {
		iri := base + mediaPath(id) + "?filename=" + url.QueryEscape(name)
		feed.Entries = append(feed.Entries, sword.NewEntry(iri, name, s.now()))
	}
	s.write(w, http.StatusOK, sword.ContentTypeAtomFeed, feed)
}

// handleMediaAdd handles POST on a deposit's edit-media IRI.
func (s *Server) handleMediaAdd(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, false)
}

// handleMediaReplace handles PUT on a deposit's edit-media IRI.
func (s *Server) handleMediaReplace(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, true)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, replace bool) {
	id := chi.URLParam(r, "uuid")
	if _, err := s.deposits.Editable(r.Context(), id); err != nil {
		s.writeDepositError(w, r, err)
		return
	}

	name, err := sword.ParseContentDisposition(r.Header.Get("Content-Disposition"))
	if err != nil {
		msg := sword.ErrNoFilename.Error()
		if errors.Is(err, sword.ErrMissingDisposition) {
			msg = sword.ErrMissingDisposition.Error()
		}
		s.writeSwordError(w, r, http.StatusBadRequest, msg)
		return
	}

	var body io.Reader = r.Body
	if s.config.MaxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	}
	up := deposit.Upload{Name: name, Body: body, ContentMD5: r.Header.Get("Content-MD5")}
	if replace {
		err = s.deposits.ReplaceFile(r.Context(), id, up)
	} else {
		err = s.deposits.AddFile(r.Context(), id, up)
	}
	if err != nil {
		s.writeDepositError(w, r, err)
		return
	}
	if replace {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleMediaDelete handles DELETE on a deposit's edit-media IRI: one file
// with ?filename=, otherwise every file.
func (s *Server) handleMediaDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	var err error
	if name := r.URL.Query().Get("filename"); name != "" {
		err = s.deposits.DeleteFile(r.Context(), id, name)
	} else {
		err = s.deposits.DeleteAllFiles(r.Context(), id)
	}
	if err != nil {
		s.writeDepositError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleState handles GET on a deposit's state IRI.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	d, err := s.deposits.Get(r.Context(), id)
	if err != nil {
		s.writeDepositError(w, r, err)
		return
	}
	status, err := s.deposits.DownloadingStatus(r.Context(), id)
	if err != nil {
		s.writeDepositError(w, r, err)
		return
	}

	base := s.baseURL(r)
	feed := sword.NewFeed(base+statePath(id), d.Name, s.now())
	feed.State = &sword.State{Href: string(status), Description: "Deposit initiation: " + string(status)}
	s.write(w, http.StatusOK, sword.ContentTypeAtomFeed, feed)
}
