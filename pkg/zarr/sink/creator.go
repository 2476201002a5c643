package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/marmos91/zarrstream/internal/logger"
)

// Creator materializes the on-disk grid for one chunk group: per-dimension
// subdirectories and one write-only sink per grid cell.
type Creator struct {
	baseDir string
}

// NewCreator returns a creator rooted at baseDir.
func NewCreator(baseDir string) *Creator {
	return &Creator{baseDir: baseDir}
}

// BaseDir returns the creator's root directory.
func (c *Creator) BaseDir() string {
	return c.baseDir
}

// CreateGrid creates the c<C>/y<Y>/x<X> hierarchy under the base directory
// and opens nC*nY*nX sinks in row-major order (channel outermost, then y,
// then x). Pre-existing directories are reused; pre-existing files are
// truncated. On any failure the already-opened sinks are closed and the
// error is returned.
func (c *Creator) CreateGrid(nC, nY, nX int) ([]Sink, error) {
	if nC < 1 || nY < 1 || nX < 1 {
		return nil, fmt.Errorf("invalid grid %dx%dx%d", nC, nY, nX)
	}

	sinks := make([]Sink, 0, nC*nY*nX)

	fail := func(err error) ([]Sink, error) {
		if cerr := CloseAll(sinks); cerr != nil {
			logger.Warn("closing sinks after failed grid create", logger.KeyError, cerr.Error())
		}
		return nil, err
	}

	for ci := 0; ci < nC; ci++ {
		for yi := 0; yi < nY; yi++ {
			dir := filepath.Join(c.baseDir,
				"c"+strconv.Itoa(ci),
				"y"+strconv.Itoa(yi))
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fail(fmt.Errorf("create directory %q: %w", dir, err))
			}

			for xi := 0; xi < nX; xi++ {
				path := filepath.Join(dir, "x"+strconv.Itoa(xi))
				s, err := NewFileSink(path)
				if err != nil {
					return fail(err)
				}
				sinks = append(sinks, s)
			}
		}
	}

	logger.Debug("created sink grid",
		logger.KeyPath, c.baseDir,
		"grid", fmt.Sprintf("%dx%dx%d", nC, nY, nX))

	return sinks, nil
}
