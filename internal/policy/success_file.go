package policy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/animus-labs/tablecommit/internal/domain"
	"github.com/animus-labs/tablecommit/internal/storage/fs"
)

const DefaultSuccessFileName = "_SUCCESS"

// SuccessFile writes an empty marker file into every finalized directory.
type SuccessFile struct {
	fsys fs.FileSystem
	name string
}

func NewSuccessFile(fsys fs.FileSystem, name string) (*SuccessFile, error) {
	if fsys == nil {
		return nil, errors.New("file system is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultSuccessFileName
	}
	if strings.Contains(name, "/") {
		return nil, fmt.Errorf("success file name %q must not contain '/'", name)
	}
	return &SuccessFile{fsys: fsys, name: name}, nil
}

func (p *SuccessFile) Name() string {
	return KindSuccessFile
}

func (p *SuccessFile) OnCommit(ctx context.Context, action domain.CommitPolicyAction) error {
	return p.fsys.WriteFile(ctx, path.Join(action.Path, p.name), nil)
}
