//go:build !gocv
// +build !gocv

package imaging

import "github.com/rotisserie/eris"

// NewGoCV reports that the binary was built without OpenCV support.
func NewGoCV(Options) (Normalizer, error) {
	return nil, eris.New("imaging: gocv engine requires building with -tags gocv")
}
