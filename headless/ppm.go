package headless

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// WritePPM writes rgb, tightly packed rows of 3-byte pixels from top to bottom, as a binary PPM.
func WritePPM(w io.Writer, width, height int, rgb []byte) error {
	if len(rgb) != width*height*3 {
		return errors.Newf("ppm of %dx%d needs %d bytes, got %d", width, height, width*height*3, len(rgb))
	}

	bw := bufio.NewWriter(w)
	_, err := fmt.Fprintf(bw, "P6\n%d\n%d\n255\n", width, height)
	if err != nil {
		return err
	}
	_, err = bw.Write(rgb)
	if err != nil {
		return err
	}
	return bw.Flush()
}

func writePPMFile(path string, width, height int, rgb []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}

	err = WritePPM(f, width, height, rgb)
	if err != nil {
		f.Close()
		os.Remove(path)
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}
