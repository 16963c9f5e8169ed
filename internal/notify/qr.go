package notify

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// PayLinkQR renders a pay link as a PNG QR code, base64 encoded for embedding in a message.
func PayLinkQR(link string) (string, error) {
	if link == "" {
		return "", fmt.Errorf("empty pay link")
	}
	png, err := qrcode.Encode(link, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
