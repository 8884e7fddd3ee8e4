package display

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrShortBitmap = errors.New("display: bitmap shorter than its geometry")

// Surface is a packed framebuffer in the session color depth.
type Surface struct {
	Width  int
	Height int
	Depth  int
	bpp    int
	pix    []byte
}

// BytesPerPixel maps a color depth to its packed pixel size.
func BytesPerPixel(depth int) (int, error) {
	switch depth {
	case 8:
		return 1, nil
	case 15, 16:
		return 2, nil
	case 24:
		return 3, nil
	case 32:
		return 4, nil
	default:
		return 0, fmt.Errorf("display: unsupported depth %d", depth)
	}
}

func NewSurface(width, height, depth int) (*Surface, error) {
	bpp, err := BytesPerPixel(depth)
	if err != nil {
		return nil, err
	}
	return &Surface{
		Width:  width,
		Height: height,
		Depth:  depth,
		bpp:    bpp,
		pix:    make([]byte, width*height*bpp),
	}, nil
}

// Blit copies a width x height block at (x, y), clipped to the surface.
func (s *Surface) Blit(x, y, width, height int, pixels []byte) error {
	stride := width * s.bpp
	if len(pixels) < stride*height {
		return fmt.Errorf("%w: %dx%d needs %d bytes, got %d", ErrShortBitmap, width, height, stride*height, len(pixels))
	}
	for row := 0; row < height; row++ {
		dy := y + row
		if dy < 0 || dy >= s.Height {
			continue
		}
		x0, x1 := x, x+width
		if x0 < 0 {
			x0 = 0
		}
		if x1 > s.Width {
			x1 = s.Width
		}
		if x0 >= x1 {
			continue
		}
		src := pixels[row*stride+(x0-x)*s.bpp : row*stride+(x1-x)*s.bpp]
		dst := s.pix[(dy*s.Width+x0)*s.bpp:]
		copy(dst, src)
	}
	return nil
}

// Pixel returns the packed bytes at (x, y).
func (s *Surface) Pixel(x, y int) []byte {
	off := (y*s.Width + x) * s.bpp
	return s.pix[off : off+s.bpp]
}

// rgb expands the packed pixel at index i. 8-bit surfaces are treated as
// grayscale; 15/16-bit are little-endian RGB555/RGB565; 24/32-bit are BGR(X).
func (s *Surface) rgb(i int) (byte, byte, byte) {
	p := s.pix[i*s.bpp : (i+1)*s.bpp]
	switch s.Depth {
	case 8:
		return p[0], p[0], p[0]
	case 15:
		v := uint16(p[0]) | uint16(p[1])<<8
		return byte((v>>10)&0x1f) << 3, byte((v>>5)&0x1f) << 3, byte(v&0x1f) << 3
	case 16:
		v := uint16(p[0]) | uint16(p[1])<<8
		return byte((v>>11)&0x1f) << 3, byte((v>>5)&0x3f) << 2, byte(v&0x1f) << 3
	default:
		return p[2], p[1], p[0]
	}
}

// WritePPM encodes the surface as a binary PPM (P6).
func (s *Surface) WritePPM(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "P6\n%d %d\n255\n", s.Width, s.Height); err != nil {
		return err
	}
	for i := 0; i < s.Width*s.Height; i++ {
		r, g, b := s.rgb(i)
		if _, err := bw.Write([]byte{r, g, b}); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (s *Surface) SavePPM(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.WritePPM(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
