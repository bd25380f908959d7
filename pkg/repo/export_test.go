package repo

import (
	"os"
	"path/filepath"
	"time"

	"github.com/odvcencio/gotidx/pkg/object"
)

func chtimes(s *object.Store, d object.Digest, at time.Time) error {
	path := filepath.Join(s.Root(), string(d[:2]), string(d[2:]))
	return os.Chtimes(path, at, at)
}
