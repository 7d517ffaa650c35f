package gist

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeGistAPI is an in-memory stand-in for the Gist endpoints.
type fakeGistAPI struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	gists    map[string]*Gist
	nextID   int
	pageSize int
	// truncate makes GET /gists/{id} omit content and point at raw_url.
	truncate   bool
	failStatus int
	requests   []string
	authSeen   []string
	acceptSeen []string
}

func newFakeGistAPI(t *testing.T) *fakeGistAPI {
	t.Helper()
	api := &fakeGistAPI{t: t, gists: map[string]*Gist{}, pageSize: 100}
	api.server = httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(api.server.Close)
	return api
}

func (f *fakeGistAPI) client(token string) *HTTPClient {
	return NewHTTPClient(f.server.URL, StaticToken(token), f.server.Client())
}

func (f *fakeGistAPI) put(id, description, filename, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gists[id] = &Gist{ID: id, Description: description, Files: map[string]File{
		filename: {Filename: filename, Content: content},
	}}
}

func (f *fakeGistAPI) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.gists, id)
}

func (f *fakeGistAPI) content(id, filename string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gists[id]
	if !ok {
		return ""
	}
	return g.Files[filename].Content
}

func (f *fakeGistAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gists)
}

func (f *fakeGistAPI) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
	f.acceptSeen = append(f.acceptSeen, r.Header.Get("Accept"))

	if f.failStatus != 0 {
		writeFake(w, f.failStatus, map[string]string{"message": "injected failure"})
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case path == "gists" && r.Method == http.MethodGet:
		f.list(w, r)
	case path == "gists" && r.Method == http.MethodPost:
		var body struct {
			Description string          `json:"description"`
			Public      bool            `json:"public"`
			Files       map[string]File `json:"files"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeFake(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		if body.Public {
			f.t.Errorf("expected private gist")
		}
		f.nextID++
		id := fmt.Sprintf("created-%d", f.nextID)
		g := &Gist{ID: id, Description: body.Description, Files: map[string]File{}}
		for name, file := range body.Files {
			file.Filename = name
			g.Files[name] = file
		}
		f.gists[id] = g
		writeFake(w, http.StatusCreated, g)
	case strings.HasPrefix(path, "gists/"):
		id := strings.TrimPrefix(path, "gists/")
		g, ok := f.gists[id]
		if !ok {
			writeFake(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		switch r.Method {
		case http.MethodGet:
			out := *g
			out.Files = map[string]File{}
			for name, file := range g.Files {
				if f.truncate {
					file.RawURL = f.server.URL + "/raw/" + id + "/" + name
					file.Truncated = true
					file.Content = ""
				}
				out.Files[name] = file
			}
			writeFake(w, http.StatusOK, out)
		case http.MethodPatch:
			var body struct {
				Description string          `json:"description"`
				Files       map[string]File `json:"files"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeFake(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
				return
			}
			if body.Description != "" {
				g.Description = body.Description
			}
			for name, file := range body.Files {
				file.Filename = name
				g.Files[name] = file
			}
			writeFake(w, http.StatusOK, g)
		default:
			writeFake(w, http.StatusMethodNotAllowed, map[string]string{"message": "method"})
		}
	case strings.HasPrefix(path, "raw/"):
		parts := strings.SplitN(strings.TrimPrefix(path, "raw/"), "/", 2)
		g, ok := f.gists[parts[0]]
		if !ok || len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(g.Files[parts[1]].Content))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeGistAPI) list(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(f.gists))
	for id := range f.gists {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	start := (page - 1) * f.pageSize
	end := start + f.pageSize
	if start > len(ids) {
		start = len(ids)
	}
	if end > len(ids) {
		end = len(ids)
	}
	out := make([]Gist, 0, end-start)
	for _, id := range ids[start:end] {
		g := *f.gists[id]
		out = append(out, g)
	}
	if end < len(ids) {
		w.Header().Set("Link", fmt.Sprintf(`<%s/gists?page=%d&per_page=100>; rel="next", <%s/gists?page=1>; rel="first"`, f.server.URL, page+1, f.server.URL))
	}
	writeFake(w, http.StatusOK, out)
}

func writeFake(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
