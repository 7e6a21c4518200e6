// Package store persists problems, submissions, users, roles, judge-server
// descriptors and run transcripts. Two implementations exist: a file-of-JSON
// store and a Postgres store; the rest of the core programs against the
// interfaces only.
package store

import (
	"context"
	"errors"

	"github.com/openjudge/arbiter/internal/model"
)

// Not-found and conflict errors shared by both backends.
var (
	ErrProblemNotFound       = errors.New("problem not found")
	ErrSubmissionNotFound    = errors.New("submission not found")
	ErrUserNotFound          = errors.New("user not found")
	ErrRoleNotFound          = errors.New("role not found")
	ErrServerNotFound        = errors.New("server not found")
	ErrLogNotFound           = errors.New("submission log not found")
	ErrProblemExists         = errors.New("problem already exists")
	ErrSubmissionExists      = errors.New("submission already exists")
	ErrLogExists             = errors.New("submission log already exists")
	ErrTestcasesExist        = errors.New("problem testcases already exist")
)

// Domain validation errors raised on the REST path before admission.
var (
	ErrLanguageNotSupport       = errors.New("language not supported")
	ErrLanguageNotAccept        = errors.New("language not accepted by problem")
	ErrCompilerNotSupport       = errors.New("compiler not supported")
	ErrTestTypeNotSupport       = errors.New("test type not supported")
	ErrInvalidProblemJudger     = errors.New("invalid problem judger")
	ErrInvalidTestcaseExtension = errors.New("invalid testcase extension")
	ErrInvalidTestcaseCount     = errors.New("invalid testcase count")
)

// ProblemStore is the problem CRUD surface consumed by the dispatcher and
// the REST adapters.
type ProblemStore interface {
	Get(ctx context.Context, id string) (*model.Problem, error)
	List(ctx context.Context) ([]*model.Problem, error)
	Add(ctx context.Context, p *model.Problem) error
	Update(ctx context.Context, id string, p *model.Problem) error
	Delete(ctx context.Context, id string) error
}

// SubmissionStore persists submissions. Update is the atomic
// read-modify-write used to attach a SubmissionResult.
type SubmissionStore interface {
	Get(ctx context.Context, id string) (*model.Submission, error)
	List(ctx context.Context) ([]*model.Submission, error)
	Add(ctx context.Context, s *model.Submission) error
	Update(ctx context.Context, id string, s *model.Submission) error
}

type UserStore interface {
	Get(ctx context.Context, id string) (*model.User, error)
	List(ctx context.Context) ([]*model.User, error)
	Add(ctx context.Context, u *model.User) error
	Update(ctx context.Context, id string, u *model.User) error
	Delete(ctx context.Context, id string) error
}

type RoleStore interface {
	Get(ctx context.Context, id string) (*model.Role, error)
	List(ctx context.Context) ([]*model.Role, error)
	Add(ctx context.Context, r *model.Role) error
	Delete(ctx context.Context, id string) error
}

// Stores bundles the capability set selected at startup.
type Stores struct {
	Problems    ProblemStore
	Submissions SubmissionStore
	Users       UserStore
	Roles       RoleStore
}

// sourceNames maps a language name to its submission source filename.
// Workers expect the conventional entrypoint name per toolchain.
var sourceNames = map[string]string{
	"python": "main.py",
	"c":      "main.c",
	"cpp":    "main.cpp",
	"go":     "main.go",
	"rust":   "main.rs",
	"java":   "Main.java",
	"js":     "main.js",
}

// SourceFileName returns the on-disk name for a submission's source file.
func SourceFileName(lang string) (string, bool) {
	name, ok := sourceNames[lang]
	return name, ok
}
