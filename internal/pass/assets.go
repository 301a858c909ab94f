package pass

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
)

// LoadAssets reads the static images bundled into every pass. With no
// directory configured, plain icons in the background colour are generated.
func LoadAssets(dir, background string) ([]Asset, error) {
	if dir == "" {
		return defaultAssets(background)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read asset dir: %w", err)
	}
	var files []Asset
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".png") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read asset %s: %w", e.Name(), err)
		}
		files = append(files, Asset{Name: e.Name(), Data: data})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no png assets in %s", dir)
	}
	sortFiles(files)
	return files, nil
}

func defaultAssets(background string) ([]Asset, error) {
	c := parseRGB(background)
	sizes := []struct {
		name string
		w, h int
	}{
		{"icon.png", 29, 29},
		{"icon@2x.png", 58, 58},
		{"logo.png", 160, 50},
	}
	var files []Asset
	for _, s := range sizes {
		img := image.NewRGBA(image.Rect(0, 0, s.w, s.h))
		for y := 0; y < s.h; y++ {
			for x := 0; x < s.w; x++ {
				img.Set(x, y, c)
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode %s: %w", s.name, err)
		}
		files = append(files, Asset{Name: s.name, Data: buf.Bytes()})
	}
	return files, nil
}

func parseRGB(s string) color.RGBA {
	var r, g, b int
	if _, err := fmt.Sscanf(strings.ReplaceAll(s, " ", ""), "rgb(%d,%d,%d)", &r, &g, &b); err != nil {
		return color.RGBA{R: 60, G: 65, B: 76, A: 255}
	}
	return color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: 255}
}
