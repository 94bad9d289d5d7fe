package ocr

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/datamatrix"
	"github.com/makiuchi-d/gozxing/qrcode"

	"neobell/edge/internal/errors"
)

// Preprocess crops the centered region of interest, converts it to
// grayscale, smooths it and scales it down to targetWidth if wider.
// Local thresholding happens in the decoders' hybrid binarizer.
func Preprocess(img image.Image, roi float64, targetWidth int, sigma float64) image.Image {
	b := img.Bounds()
	w := int(float64(b.Dx()) * roi)
	h := int(float64(b.Dy()) * roi)
	if w < 1 || h < 1 {
		w, h = b.Dx(), b.Dy()
	}
	out := imaging.Grayscale(imaging.CropCenter(img, w, h))
	if sigma > 0 {
		out = imaging.Blur(out, sigma)
	}
	if targetWidth > 0 && out.Bounds().Dx() > targetWidth {
		out = imaging.Resize(out, targetWidth, 0, imaging.Linear)
	}
	return out
}

// Decoder extracts symbol texts from an image.
type Decoder func(img image.Image, tryHarder bool) ([]string, error)

func decodeWith(reader gozxing.Reader, img image.Image, tryHarder bool) ([]string, error) {
	bmp, err := gozxing.NewBinaryBitmap(gozxing.NewHybridBinarizer(gozxing.NewLuminanceSourceFromImage(img)))
	if err != nil {
		return nil, err
	}
	var hints map[gozxing.DecodeHintType]interface{}
	if tryHarder {
		hints = map[gozxing.DecodeHintType]interface{}{gozxing.DecodeHintType_TRY_HARDER: true}
	}
	res, err := reader.Decode(bmp, hints)
	if err != nil {
		var nf gozxing.NotFoundException
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	return []string{res.GetText()}, nil
}

// DecodeQR finds a QR code.
func DecodeQR(img image.Image, tryHarder bool) ([]string, error) {
	return decodeWith(qrcode.NewQRCodeReader(), img, tryHarder)
}

// DecodeDataMatrix finds a DataMatrix symbol.
func DecodeDataMatrix(img image.Image, tryHarder bool) ([]string, error) {
	return decodeWith(datamatrix.NewDataMatrixReader(), img, tryHarder)
}
