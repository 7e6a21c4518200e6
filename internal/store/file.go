package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/openjudge/arbiter/internal/model"
)

// document is one JSON collection on disk, rewritten atomically
// (write-to-temp, rename) under a mutex so concurrent updates appear atomic
// to the scheduler loop.
type document struct {
	mu   sync.Mutex
	path string
}

func (d *document) load(out any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadLocked(out)
}

func (d *document) loadLocked(out any) error {
	data, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", d.path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", d.path, err)
	}
	return nil
}

func (d *document) saveLocked(in any) error {
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// update runs fn against the decoded collection and persists the result.
func (d *document) update(out any, fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadLocked(out); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return d.saveLocked(out)
}

// FileProblemStore keeps all problems in data/problems/problems.json and
// each problem's assets under data/problems/<id>/.
type FileProblemStore struct {
	doc     document
	dataDir string
}

func NewFileProblemStore(dataDir string) *FileProblemStore {
	return &FileProblemStore{
		doc:     document{path: filepath.Join(dataDir, "problems", "problems.json")},
		dataDir: dataDir,
	}
}

// ProblemDir returns the asset directory for a problem id.
func (s *FileProblemStore) ProblemDir(id string) string {
	return filepath.Join(s.dataDir, "problems", id)
}

func (s *FileProblemStore) Get(_ context.Context, id string) (*model.Problem, error) {
	var all map[string]*model.Problem
	if err := s.doc.load(&all); err != nil {
		return nil, err
	}
	p, ok := all[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProblemNotFound, id)
	}
	return p, nil
}

func (s *FileProblemStore) List(_ context.Context) ([]*model.Problem, error) {
	var all map[string]*model.Problem
	if err := s.doc.load(&all); err != nil {
		return nil, err
	}
	out := make([]*model.Problem, 0, len(all))
	for _, p := range all {
		out = append(out, p)
	}
	return out, nil
}

func (s *FileProblemStore) Add(_ context.Context, p *model.Problem) error {
	all := map[string]*model.Problem{}
	return s.doc.update(&all, func() error {
		if _, ok := all[p.ID]; ok {
			return fmt.Errorf("%w: %s", ErrProblemExists, p.ID)
		}
		if p.Dir == "" {
			p.Dir = s.ProblemDir(p.ID)
		}
		if err := os.MkdirAll(p.Dir, 0o755); err != nil {
			return err
		}
		all[p.ID] = p
		return nil
	})
}

func (s *FileProblemStore) Update(_ context.Context, id string, p *model.Problem) error {
	all := map[string]*model.Problem{}
	return s.doc.update(&all, func() error {
		if _, ok := all[id]; !ok {
			return fmt.Errorf("%w: %s", ErrProblemNotFound, id)
		}
		all[id] = p
		return nil
	})
}

func (s *FileProblemStore) Delete(_ context.Context, id string) error {
	all := map[string]*model.Problem{}
	var dir string
	err := s.doc.update(&all, func() error {
		p, ok := all[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrProblemNotFound, id)
		}
		dir = p.Dir
		delete(all, id)
		return nil
	})
	if err != nil {
		return err
	}
	if dir != "" {
		return os.RemoveAll(dir)
	}
	return nil
}

// FileSubmissionStore keeps submission records in
// data/submissions/submissions.json and each submission's source file under
// data/submissions/<id>/.
type FileSubmissionStore struct {
	doc     document
	dataDir string
}

func NewFileSubmissionStore(dataDir string) *FileSubmissionStore {
	return &FileSubmissionStore{
		doc:     document{path: filepath.Join(dataDir, "submissions", "submissions.json")},
		dataDir: dataDir,
	}
}

func (s *FileSubmissionStore) submissionDir(id string) string {
	return filepath.Join(s.dataDir, "submissions", id)
}

func (s *FileSubmissionStore) Get(_ context.Context, id string) (*model.Submission, error) {
	var all map[string]*model.Submission
	if err := s.doc.load(&all); err != nil {
		return nil, err
	}
	sub, ok := all[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubmissionNotFound, id)
	}
	return sub, nil
}

func (s *FileSubmissionStore) List(_ context.Context) ([]*model.Submission, error) {
	var all map[string]*model.Submission
	if err := s.doc.load(&all); err != nil {
		return nil, err
	}
	out := make([]*model.Submission, 0, len(all))
	for _, sub := range all {
		out = append(out, sub)
	}
	return out, nil
}

// Add writes the source code to its language-template path and clears it
// from the record before persisting. One source file on disk per submission.
func (s *FileSubmissionStore) Add(_ context.Context, sub *model.Submission) error {
	name, ok := SourceFileName(sub.Language.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrLanguageNotSupport, sub.Language.Name)
	}

	all := map[string]*model.Submission{}
	return s.doc.update(&all, func() error {
		if _, exists := all[sub.ID]; exists {
			return fmt.Errorf("%w: %s", ErrSubmissionExists, sub.ID)
		}
		sub.Dir = s.submissionDir(sub.ID)
		sub.FilePath = filepath.Join(sub.Dir, name)
		if err := os.MkdirAll(sub.Dir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(sub.FilePath, []byte(sub.Code), 0o644); err != nil {
			return fmt.Errorf("write source: %w", err)
		}
		sub.Code = ""
		all[sub.ID] = sub
		return nil
	})
}

func (s *FileSubmissionStore) Update(_ context.Context, id string, sub *model.Submission) error {
	all := map[string]*model.Submission{}
	return s.doc.update(&all, func() error {
		if _, ok := all[id]; !ok {
			return fmt.Errorf("%w: %s", ErrSubmissionNotFound, id)
		}
		all[id] = sub
		return nil
	})
}

// FileUserStore keeps users in data/users/users.json.
type FileUserStore struct {
	doc document
}

func NewFileUserStore(dataDir string) *FileUserStore {
	return &FileUserStore{doc: document{path: filepath.Join(dataDir, "users", "users.json")}}
}

func (s *FileUserStore) Get(_ context.Context, id string) (*model.User, error) {
	var all map[string]*model.User
	if err := s.doc.load(&all); err != nil {
		return nil, err
	}
	u, ok := all[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return u, nil
}

func (s *FileUserStore) List(_ context.Context) ([]*model.User, error) {
	var all map[string]*model.User
	if err := s.doc.load(&all); err != nil {
		return nil, err
	}
	out := make([]*model.User, 0, len(all))
	for _, u := range all {
		out = append(out, u)
	}
	return out, nil
}

func (s *FileUserStore) Add(_ context.Context, u *model.User) error {
	all := map[string]*model.User{}
	return s.doc.update(&all, func() error {
		all[u.ID] = u
		return nil
	})
}

func (s *FileUserStore) Update(_ context.Context, id string, u *model.User) error {
	all := map[string]*model.User{}
	return s.doc.update(&all, func() error {
		if _, ok := all[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		all[id] = u
		return nil
	})
}

func (s *FileUserStore) Delete(_ context.Context, id string) error {
	all := map[string]*model.User{}
	return s.doc.update(&all, func() error {
		if _, ok := all[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		delete(all, id)
		return nil
	})
}

// FileRoleStore keeps roles in data/users/roles.json.
type FileRoleStore struct {
	doc document
}

func NewFileRoleStore(dataDir string) *FileRoleStore {
	return &FileRoleStore{doc: document{path: filepath.Join(dataDir, "users", "roles.json")}}
}

func (s *FileRoleStore) Get(_ context.Context, id string) (*model.Role, error) {
	var all map[string]*model.Role
	if err := s.doc.load(&all); err != nil {
		return nil, err
	}
	r, ok := all[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}
	return r, nil
}

func (s *FileRoleStore) List(_ context.Context) ([]*model.Role, error) {
	var all map[string]*model.Role
	if err := s.doc.load(&all); err != nil {
		return nil, err
	}
	out := make([]*model.Role, 0, len(all))
	for _, r := range all {
		out = append(out, r)
	}
	return out, nil
}

func (s *FileRoleStore) Add(_ context.Context, r *model.Role) error {
	all := map[string]*model.Role{}
	return s.doc.update(&all, func() error {
		all[r.ID] = r
		return nil
	})
}

func (s *FileRoleStore) Delete(_ context.Context, id string) error {
	all := map[string]*model.Role{}
	return s.doc.update(&all, func() error {
		if _, ok := all[id]; !ok {
			return fmt.Errorf("%w: %s", ErrRoleNotFound, id)
		}
		delete(all, id)
		return nil
	})
}

// NewFileStores builds the file-backed capability set rooted at dataDir.
func NewFileStores(dataDir string) *Stores {
	return &Stores{
		Problems:    NewFileProblemStore(dataDir),
		Submissions: NewFileSubmissionStore(dataDir),
		Users:       NewFileUserStore(dataDir),
		Roles:       NewFileRoleStore(dataDir),
	}
}
