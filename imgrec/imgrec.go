// Package imgrec contains an image recorder used to automatically save
// images to disk as FITS files.
package imgrec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/astrotask/camera"
)

// Recorder records image sequences with incrementing filenames in
// yyyy-mm-dd subfolders.  It is safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	// root is the root path
	root string

	// prefix is the prefix for the filenames
	prefix string

	// fldr is the folder the counter belongs to
	fldr string

	// counter is the number of the next file in fldr
	counter int

	// now is replaced in tests
	now func() time.Time
}

// NewRecorder returns a recorder writing below root.
func NewRecorder(root, prefix string) *Recorder {
	return &Recorder{root: root, prefix: prefix, now: time.Now}
}

// Root returns the root folder.
func (r *Recorder) Root() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// SetRoot changes the root folder and creates it.
func (r *Recorder) SetRoot(root string) error {
	if err := os.MkdirAll(root, 0777); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = root
	r.fldr = ""
	return nil
}

// Prefix returns the filename prefix.
func (r *Recorder) Prefix() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefix
}

// SetPrefix changes the filename prefix; numbering restarts from the files
// already on disk.
func (r *Recorder) SetPrefix(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefix = p
	r.fldr = ""
}

// next must be called with the lock held.  It returns the path of the next
// file, rescanning the folder when the date or settings changed.
func (r *Recorder) next() (string, error) {
	fldr := filepath.Join(r.root, r.now().Format("2006-01-02"))
	if err := os.MkdirAll(fldr, 0777); err != nil {
		return "", err
	}
	if fldr != r.fldr {
		n, err := highest(fldr, r.prefix)
		if err != nil {
			return "", err
		}
		r.fldr = fldr
		r.counter = n + 1
	}
	fn := filepath.Join(fldr, fmt.Sprintf("%s%06d.fits", r.prefix, r.counter))
	r.counter++
	return fn, nil
}

// highest scans a folder for the largest number used with prefix.
func highest(dn, prefix string) (int, error) {
	files, err := os.ReadDir(dn)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	return count, nil
}

// Save writes frame with the given header cards to the next file and
// returns its path.  Existing files are never overwritten.
func (r *Recorder) Save(cards []fitsio.Card, frame *camera.Frame) (string, error) {
	r.mu.Lock()
	var (
		fid *os.File
		fn  string
	)
	for {
		var err error
		fn, err = r.next()
		if err != nil {
			r.mu.Unlock()
			return "", err
		}
		fid, err = os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			r.mu.Unlock()
			return "", err
		}
	}
	r.mu.Unlock()

	err := WriteFits(fid, cards, frame)
	if cerr := fid.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(fn)
		return "", err
	}
	return fn, nil
}

// WriteFits streams a 16 bit fits file to w.  Unsigned pixels are stored
// with the BZERO offset convention.
func WriteFits(w io.Writer, metadata []fitsio.Card, frame *camera.Frame) error {
	metadata = append(metadata,
		fitsio.Card{Name: "BZERO", Value: 32768},
		fitsio.Card{Name: "BSCALE", Value: 1.0},
		fitsio.Card{Name: "XORIGIN", Value: frame.Origin.X, Comment: "first column on the chip"},
		fitsio.Card{Name: "YORIGIN", Value: frame.Origin.Y, Comment: "first row on the chip"},
	)
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{frame.Width, frame.Height})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}

	bufOut := make([]int16, len(frame.Pix))
	for idx, v := range frame.Pix {
		bufOut[idx] = int16(v - 32768)
	}
	err = im.Write(bufOut)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
