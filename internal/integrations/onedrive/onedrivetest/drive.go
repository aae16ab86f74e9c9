// Package onedrivetest serves an in-memory drive over the subset of the Graph
// API the onedrive client uses.
package onedrivetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type session struct {
	parentID string
	name     string
	buf      []byte
}

type node struct {
	id       string
	name     string
	path     string
	parent   string
	folder   bool
	mimeType string
	content  []byte
}

// Drive is a fake OneDrive. The zero value is not usable; call New.
type Drive struct {
	mu      sync.Mutex
	nextID  int
	byID    map[string]*node
	byPath  map[string]string
	creates int
	uploads int
	pings  int

	// PageSize splits children listings into pages when positive.
	PageSize int
	// Token is the only bearer token accepted; empty accepts any.
	Token string

	failCreate   map[string]int
	failChildren map[string]int
	failPing    int
	failFragment int

	sessions  map[string]*session
	fragments int

	server *httptest.Server
}

// New starts a fake drive that is closed when the test ends.
func New(t testing.TB) *Drive {
	d := &Drive{
		byID:         map[string]*node{},
		byPath:       map[string]string{},
		failCreate:   map[string]int{},
		failChildren: map[string]int{},
		sessions:     map[string]*session{},
	}
	d.byID["root"] = &node{id: "root", name: "root", path: "/", folder: true}
	d.byPath["/"] = "root"
	d.server = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.server.Close)
	return d
}

// URL is the Graph base URL to hand to onedrive.New.
func (d *Drive) URL() string { return d.server.URL }

// MkdirAll creates every folder of p and returns the id of the last one.
func (d *Drive) MkdirAll(p string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mkdirAll(p)
}

// AddFile stores a file at p, creating parent folders, and returns its id.
func (d *Drive) AddFile(p string, content []byte, mimeType string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	p = path.Clean("/" + p)
	parent := d.mkdirAll(path.Dir(p))
	n := d.add(parent, path.Base(p), false)
	n.content, n.mimeType = content, mimeType
	return n.id
}

// Exists reports whether p is present.
func (d *Drive) Exists(p string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byPath[path.Clean("/"+p)]
	return ok
}

// Content returns the bytes stored at p.
func (d *Drive) Content(p string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.byPath[path.Clean("/"+p)]; ok {
		return d.byID[id].content
	}
	return nil
}

// Creates counts folder creation requests, including failed ones.
func (d *Drive) Creates() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creates
}

// Fragments counts upload session PUTs.
func (d *Drive) Fragments() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fragments
}

// OpenSessions counts upload sessions neither completed nor cancelled.
func (d *Drive) OpenSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// FailFragment makes upload session PUTs answer status; zero clears it.
func (d *Drive) FailFragment(status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFragment = status
}

// Uploads counts simple uploads and created upload sessions.
func (d *Drive) Uploads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uploads
}

// Pings counts /me/drive requests.
func (d *Drive) Pings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pings
}

// FailCreate makes creating a folder called name answer status.
func (d *Drive) FailCreate(name string, status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failCreate[name] = status
}

// FailChildren makes listing the folder at p answer status.
func (d *Drive) FailChildren(p string, status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failChildren[path.Clean("/"+p)] = status
}

// FailPing makes /me/drive answer status; zero clears it.
func (d *Drive) FailPing(status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failPing = status
}

func (d *Drive) mkdirAll(p string) string {
	p = path.Clean("/" + p)
	if id, ok := d.byPath[p]; ok {
		return id
	}
	parent := d.mkdirAll(path.Dir(p))
	return d.add(parent, path.Base(p), true).id
}

func (d *Drive) add(parentID, name string, folder bool) *node {
	d.nextID++
	parent := d.byID[parentID]
	n := &node{
		id:     "item-" + strconv.Itoa(d.nextID),
		name:   name,
		path:   path.Join(parent.path, name),
		parent: parentID,
		folder: folder,
	}
	d.byID[n.id] = n
	d.byPath[n.path] = n.id
	return n
}

func (d *Drive) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/upload-sessions/") {
		d.serveSession(w, r, strings.TrimPrefix(r.URL.Path, "/upload-sessions/"))
		return
	}
	if d.Token != "" && r.Header.Get("Authorization") != "Bearer "+d.Token {
		writeError(w, http.StatusUnauthorized, "InvalidAuthenticationToken", "bad token")
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	p := r.URL.Path
	switch {
	case r.Method == http.MethodGet && p == "/me":
		writeJSON(w, http.StatusOK, map[string]string{"displayName": "Cabinet Admin", "mail": "admin@cabinet.example"})
	case r.Method == http.MethodGet && p == "/me/drive":
		d.pings++
		if d.failPing != 0 {
			writeError(w, d.failPing, "serviceNotAvailable", "ping failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": "drive-1"})
	case r.Method == http.MethodGet && p == "/me/drive/root":
		writeJSON(w, http.StatusOK, d.item(d.byID["root"]))
	case r.Method == http.MethodGet && strings.HasPrefix(p, "/me/drive/root:"):
		target := path.Clean("/" + strings.TrimPrefix(p, "/me/drive/root:"))
		id, ok := d.byPath[target]
		if !ok {
			writeError(w, http.StatusNotFound, "itemNotFound", "The resource could not be found.")
			return
		}
		writeJSON(w, http.StatusOK, d.item(d.byID[id]))
	case strings.HasPrefix(p, "/me/drive/items/") && strings.HasSuffix(p, ":/createUploadSession") && r.Method == http.MethodPost:
		d.createSession(w, strings.TrimSuffix(strings.TrimPrefix(p, "/me/drive/items/"), ":/createUploadSession"))
	case strings.HasPrefix(p, "/me/drive/items/") && strings.HasSuffix(p, ":/content") && r.Method == http.MethodPut:
		d.upload(w, r, strings.TrimSuffix(strings.TrimPrefix(p, "/me/drive/items/"), ":/content"))
	case strings.HasPrefix(p, "/me/drive/items/") && strings.HasSuffix(p, "/children"):
		id := strings.TrimSuffix(strings.TrimPrefix(p, "/me/drive/items/"), "/children")
		if r.Method == http.MethodPost {
			d.create(w, r, id)
			return
		}
		d.children(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "itemNotFound", "unknown route "+p)
	}
}

func (d *Drive) create(w http.ResponseWriter, r *http.Request, parentID string) {
	d.creates++
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "invalidRequest", "name required")
		return
	}
	if status := d.failCreate[body.Name]; status != 0 {
		writeError(w, status, "generalException", "create failed")
		return
	}
	parent, ok := d.byID[parentID]
	if !ok || !parent.folder {
		writeError(w, http.StatusNotFound, "itemNotFound", "parent not found")
		return
	}
	if _, exists := d.byPath[path.Join(parent.path, body.Name)]; exists {
		writeError(w, http.StatusConflict, "nameAlreadyExists", "An item with the same name already exists.")
		return
	}
	writeJSON(w, http.StatusCreated, d.item(d.add(parentID, body.Name, true)))
}

func (d *Drive) children(w http.ResponseWriter, r *http.Request, folderID string) {
	folder, ok := d.byID[folderID]
	if !ok {
		writeError(w, http.StatusNotFound, "itemNotFound", "folder not found")
		return
	}
	if status := d.failChildren[folder.path]; status != 0 {
		writeError(w, status, "generalException", "listing failed")
		return
	}
	var kids []*node
	for _, n := range d.byID {
		if n.parent == folderID && n.id != "root" {
			kids = append(kids, n)
		}
	}
	sort.Slice(kids, func(i, j int) bool { return kids[i].name < kids[j].name })

	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	end := len(kids)
	if d.PageSize > 0 && skip+d.PageSize < end {
		end = skip + d.PageSize
	}
	values := []map[string]any{}
	for _, n := range kids[min(skip, end):end] {
		values = append(values, d.item(n))
	}
	page := map[string]any{"value": values}
	if end < len(kids) {
		page["@odata.nextLink"] = d.server.URL + "/me/drive/items/" + folderID + "/children?skip=" + strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, page)
}

func (d *Drive) upload(w http.ResponseWriter, r *http.Request, ref string) {
	d.uploads++
	parentID, name, ok := strings.Cut(ref, ":/")
	parent, found := d.byID[parentID]
	if !ok || !found {
		writeError(w, http.StatusNotFound, "itemNotFound", "parent not found")
		return
	}
	content, _ := io.ReadAll(r.Body)
	writeJSON(w, http.StatusCreated, d.item(d.put(parent, name, content, r.Header.Get("Content-Type"))))
}

func (d *Drive) put(parent *node, name string, content []byte, mimeType string) *node {
	var n *node
	if id, exists := d.byPath[path.Join(parent.path, name)]; exists {
		n = d.byID[id]
	} else {
		n = d.add(parent.id, name, false)
	}
	n.content, n.mimeType = content, mimeType
	return n
}

func (d *Drive) createSession(w http.ResponseWriter, ref string) {
	d.uploads++
	parentID, name, ok := strings.Cut(ref, ":/")
	if _, found := d.byID[parentID]; !ok || !found {
		writeError(w, http.StatusNotFound, "itemNotFound", "parent not found")
		return
	}
	d.nextID++
	id := "session-" + strconv.Itoa(d.nextID)
	d.sessions[id] = &session{parentID: parentID, name: name}
	writeJSON(w, http.StatusOK, map[string]any{
		"uploadUrl":          d.server.URL + "/upload-sessions/" + id,
		"expirationDateTime": "2099-01-01T00:00:00Z",
	})
}

// serveSession accepts sequential fragments. Like Graph, it refuses bearer
// tokens on the pre-authorized URL.
func (d *Drive) serveSession(w http.ResponseWriter, r *http.Request, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.Header.Get("Authorization") != "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "upload urls take no bearer token")
		return
	}
	sess, ok := d.sessions[id]
	if !ok {
		writeError(w, http.StatusNotFound, "itemNotFound", "upload session not found")
		return
	}
	if r.Method == http.MethodDelete {
		delete(d.sessions, id)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	d.fragments++
	if d.failFragment != 0 {
		writeError(w, d.failFragment, "serviceNotAvailable", "fragment failed")
		return
	}
	var start, end, total int
	if _, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total); err != nil || start != len(sess.buf) {
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "invalidRange", "unexpected range")
		return
	}
	chunk, _ := io.ReadAll(r.Body)
	if len(chunk) != end-start+1 {
		writeError(w, http.StatusBadRequest, "invalidRequest", "fragment length mismatch")
		return
	}
	sess.buf = append(sess.buf, chunk...)
	if len(sess.buf) < total {
		writeJSON(w, http.StatusAccepted, map[string]any{"nextExpectedRanges": []string{fmt.Sprintf("%d-", len(sess.buf))}})
		return
	}
	delete(d.sessions, id)
	writeJSON(w, http.StatusCreated, d.item(d.put(d.byID[sess.parentID], sess.name, sess.buf, "application/octet-stream")))
}

func (d *Drive) item(n *node) map[string]any {
	out := map[string]any{
		"id":     n.id,
		"name":   n.name,
		"webUrl": "https://onedrive.example" + n.path,
		"size":   len(n.content),
		"parentReference": map[string]string{
			"id":   n.parent,
			"path": "/drive/root:" + path.Dir(n.path),
		},
	}
	if n.folder {
		out["folder"] = map[string]int{"childCount": 0}
	} else {
		out["file"] = map[string]string{"mimeType": n.mimeType}
		out["@microsoft.graph.downloadUrl"] = "https://download.example/" + n.id
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": msg}})
}
