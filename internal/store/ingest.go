package store

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/openjudge/arbiter/internal/model"
)

// Strictness modes for testcase files whose extension doesn't match the
// declared input/output names.
const (
	IngestStrict = "strict" // reject the archive
	IngestDelete = "delete" // drop the stray file
	IngestWarn   = "warn"   // keep going, log it
	IngestIgnore = "ignore"
)

// IngestTestcases extracts a testcase zip into the problem's data directory,
// laying files out as testcases/<i>/<input_name>|<output_name> for
// i in [1..TotalTestcases]. Inputs and outputs are matched by sorted name.
func IngestTestcases(problem *model.Problem, archive io.ReaderAt, size int64, strictness string, overwrite bool) error {
	if problem == nil {
		return ErrProblemNotFound
	}

	destRoot := filepath.Join(problem.Dir, "testcases")
	if _, err := os.Stat(destRoot); err == nil {
		if !overwrite {
			return fmt.Errorf("%w: %s", ErrTestcasesExist, problem.ID)
		}
		if err := os.RemoveAll(destRoot); err != nil {
			return err
		}
	}

	zr, err := zip.NewReader(archive, size)
	if err != nil {
		return fmt.Errorf("open testcase archive: %w", err)
	}

	inpExt := filepath.Ext(problem.TestName[0])
	outExt := filepath.Ext(problem.TestName[1])

	var inputs, outputs []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		switch filepath.Ext(f.Name) {
		case inpExt:
			inputs = append(inputs, f)
		case outExt:
			outputs = append(outputs, f)
		default:
			switch strictness {
			case IngestStrict:
				return fmt.Errorf("%w: %s", ErrInvalidTestcaseExtension, f.Name)
			case IngestWarn:
				slog.Warn("invalid testcase extension", "problem", problem.ID, "file", f.Name)
			case IngestDelete, IngestIgnore:
			}
		}
	}

	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Name < inputs[j].Name })
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Name < outputs[j].Name })

	if len(inputs) != problem.TotalTestcases || len(outputs) != problem.TotalTestcases {
		return fmt.Errorf("%w: want %d, got %d inputs and %d outputs",
			ErrInvalidTestcaseCount, problem.TotalTestcases, len(inputs), len(outputs))
	}

	for i := 0; i < problem.TotalTestcases; i++ {
		dir := filepath.Join(destRoot, strconv.Itoa(i+1))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := extractTo(inputs[i], filepath.Join(dir, problem.TestName[0])); err != nil {
			return err
		}
		if err := extractTo(outputs[i], filepath.Join(dir, problem.TestName[1])); err != nil {
			return err
		}
	}
	return nil
}

// TestcasePaths returns the input and output file paths of testcase i.
func TestcasePaths(problem *model.Problem, i int) (string, string) {
	dir := filepath.Join(problem.Dir, "testcases", strconv.Itoa(i))
	return filepath.Join(dir, problem.TestName[0]), filepath.Join(dir, problem.TestName[1])
}

// JudgerPath returns the custom judger path if the problem ships one.
func JudgerPath(problem *model.Problem) (string, bool) {
	path := filepath.Join(problem.Dir, "judger.py")
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

func extractTo(f *zip.File, dest string) error {
	// Archives are operator-supplied but path traversal is still rejected.
	if strings.Contains(f.Name, "..") {
		return fmt.Errorf("%w: %s", ErrInvalidTestcaseExtension, f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s in archive: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}
