package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

// Disk stores objects as files under a root directory. Object IDs are
// encoded into safe file names, so any ID is accepted.
type Disk struct {
	root string
}

// NewDisk creates a disk adapter rooted at dir, creating it if needed.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewError(errors.ErrCodeAdapterError,
			fmt.Sprintf("creating storage root: %v", err)).
			WithComponent("adapter").WithCause(err)
	}
	return &Disk{root: dir}, nil
}

// path fans objects out over prefix directories to keep listings small.
func (d *Disk) path(objectID string) string {
	sum := sha256.Sum256([]byte(objectID))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(d.root, name[:2], name)
}

func (d *Disk) Put(ctx context.Context, objectID string, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, canceled(err)
	}
	target := d.path(objectID)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, errors.NewError(errors.ErrCodeAdapterError,
			fmt.Sprintf("creating object directory: %v", err)).
			WithComponent("adapter").WithObject(objectID).WithCause(err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, errors.NewError(errors.ErrCodeAdapterError,
			fmt.Sprintf("writing object: %v", err)).
			WithComponent("adapter").WithObject(objectID).WithCause(err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return 0, errors.NewError(errors.ErrCodeAdapterError,
			fmt.Sprintf("finalizing object: %v", err)).
			WithComponent("adapter").WithObject(objectID).WithCause(err)
	}
	// The ID file sits beside the object so List can recover IDs from
	// hashed file names.
	if err := os.WriteFile(target+".id", []byte(objectID), 0o644); err != nil {
		return 0, errors.NewError(errors.ErrCodeAdapterError,
			fmt.Sprintf("writing object id: %v", err)).
			WithComponent("adapter").WithObject(objectID).WithCause(err)
	}
	return int64(len(data)), nil
}

func (d *Disk) Get(ctx context.Context, objectID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}
	data, err := os.ReadFile(d.path(objectID))
	if os.IsNotExist(err) {
		return nil, notFound(objectID)
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeAdapterError,
			fmt.Sprintf("reading object: %v", err)).
			WithComponent("adapter").WithObject(objectID).WithCause(err)
	}
	return data, nil
}

func (d *Disk) Delete(ctx context.Context, objectID string) error {
	if err := ctx.Err(); err != nil {
		return canceled(err)
	}
	target := d.path(objectID)
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return errors.NewError(errors.ErrCodeAdapterError,
			fmt.Sprintf("removing object: %v", err)).
			WithComponent("adapter").WithObject(objectID).WithCause(err)
	}
	os.Remove(target + ".id")
	return nil
}

func (d *Disk) Stat(ctx context.Context, objectID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, canceled(err)
	}
	info, err := os.Stat(d.path(objectID))
	if os.IsNotExist(err) {
		return 0, notFound(objectID)
	}
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeAdapterError,
			fmt.Sprintf("statting object: %v", err)).
			WithComponent("adapter").WithObject(objectID).WithCause(err)
	}
	return info.Size(), nil
}

func (d *Disk) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}

	var infos []types.ObjectInfo
	err := filepath.WalkDir(d.root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(path, ".id") {
			return nil
		}
		idBytes, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		objectID := string(idBytes)
		if !strings.HasPrefix(objectID, prefix) {
			return nil
		}
		stat, err := os.Stat(strings.TrimSuffix(path, ".id"))
		if os.IsNotExist(err) {
			// Object removed between walk and stat.
			return nil
		}
		if err != nil {
			return err
		}
		infos = append(infos, types.ObjectInfo{
			Key:          objectID,
			Size:         stat.Size(),
			LastModified: stat.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeAdapterError,
			fmt.Sprintf("listing objects: %v", err)).
			WithComponent("adapter").WithCause(err)
	}
	return infos, nil
}
