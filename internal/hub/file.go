package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// genericFault matches koji's GenericError fault code
const genericFault = 1000

// FileSession implements Session on top of a JSON state file. It is meant
// for offline staging and tests: a strict multicall is applied to a copy
// of the state and only written back when every call succeeds.
type FileSession struct {
	path string
	mu   sync.Mutex
}

type fileState struct {
	Tags     map[string]*fileTag `json:"tags"`
	Packages map[string]int      `json:"packages"`
	Users    map[string]int      `json:"users"`
}

type fileTag struct {
	ID      int       `json:"id"`
	Listing []Package `json:"listing"`
}

// NewFileSession creates a session backed by the state file at path.
// A missing file is treated as a hub without tags.
func NewFileSession(path string) *FileSession {
	return &FileSession{path: path}
}

// CreateTag registers an empty tag. It is a no-op for existing tags.
func (s *FileSession) CreateTag(_ context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := st.Tags[tag]; ok {
		return nil
	}
	st.Tags[tag] = &fileTag{ID: nextID(len(st.Tags))}
	return s.save(st)
}

// ListPackages returns the listing of tag in insertion order
func (s *FileSession) ListPackages(_ context.Context, tag string) ([]Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return nil, err
	}
	t, ok := st.Tags[tag]
	if !ok {
		return nil, &FaultError{Code: genericFault, Reason: fmt.Sprintf("no such tag: %s", tag)}
	}

	pkgs := make([]Package, len(t.Listing))
	copy(pkgs, t.Listing)
	return pkgs, nil
}

// MultiCall applies calls in order. In strict mode the first failing call
// aborts the batch and the state file is left untouched; otherwise failing
// calls are skipped and reported together.
func (s *FileSession) MultiCall(ctx context.Context, calls []Call, strict bool) error {
	if len(calls) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}

	var faults []error
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := st.apply(call); err != nil {
			if strict {
				return err
			}
			faults = append(faults, err)
		}
	}

	if err := s.save(st); err != nil {
		return err
	}
	if len(faults) > 0 {
		return fmt.Errorf("%d of %d calls failed: %w", len(faults), len(calls), faults[0])
	}
	return nil
}

func (st *fileState) apply(call Call) error {
	fault := func(format string, args ...any) error {
		return &FaultError{Call: call, Code: genericFault, Reason: fmt.Sprintf(format, args...)}
	}

	want := 2
	if call.Method == MethodAdd || call.Method == MethodSetOwner {
		want = 3
	}
	if len(call.Params) != want {
		return fault("expected %d parameters, got %d", want, len(call.Params))
	}

	tagName, pkgName := call.Params[0], call.Params[1]
	t, ok := st.Tags[tagName]
	if !ok {
		return fault("no such tag: %s", tagName)
	}
	idx := -1
	for i := range t.Listing {
		if t.Listing[i].PackageName == pkgName {
			idx = i
			break
		}
	}

	if call.Method == MethodAdd {
		if idx >= 0 {
			return fault("package %s is already listed in tag %s", pkgName, tagName)
		}
		owner := call.Params[2]
		t.Listing = append(t.Listing, Package{
			PackageID:   st.packageID(pkgName),
			PackageName: pkgName,
			TagID:       t.ID,
			TagName:     tagName,
			OwnerID:     st.userID(owner),
			OwnerName:   owner,
		})
		return nil
	}

	switch call.Method {
	case MethodRemove, MethodBlock, MethodUnblock, MethodSetOwner:
	default:
		return fault("unknown method: %s", call.Method)
	}
	if idx < 0 {
		return fault("package %s is not listed in tag %s", pkgName, tagName)
	}

	switch call.Method {
	case MethodRemove:
		t.Listing = append(t.Listing[:idx], t.Listing[idx+1:]...)
	case MethodBlock:
		t.Listing[idx].Blocked = true
	case MethodUnblock:
		t.Listing[idx].Blocked = false
	case MethodSetOwner:
		owner := call.Params[2]
		t.Listing[idx].OwnerName = owner
		t.Listing[idx].OwnerID = st.userID(owner)
	}
	return nil
}

func (st *fileState) packageID(name string) int {
	if id, ok := st.Packages[name]; ok {
		return id
	}
	id := nextID(len(st.Packages))
	st.Packages[name] = id
	return id
}

func (st *fileState) userID(name string) int {
	if id, ok := st.Users[name]; ok {
		return id
	}
	id := nextID(len(st.Users))
	st.Users[name] = id
	return id
}

func nextID(n int) int {
	return n + 1
}

// load reads the state file; callers must hold s.mu
func (s *FileSession) load() (*fileState, error) {
	st := &fileState{}
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read hub state: %w", err)
	default:
		if err := json.Unmarshal(data, st); err != nil {
			return nil, fmt.Errorf("failed to parse hub state %s: %w", s.path, err)
		}
	}

	if st.Tags == nil {
		st.Tags = make(map[string]*fileTag)
	}
	if st.Packages == nil {
		st.Packages = make(map[string]int)
	}
	if st.Users == nil {
		st.Users = make(map[string]int)
	}
	return st, nil
}

// save writes the state file atomically; callers must hold s.mu
func (s *FileSession) save(st *fileState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create hub state directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".kojitagsync-hub-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, s.path)
}
