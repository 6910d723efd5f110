package locator

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/zelig-tools/mdimport/internal/metadata"
)

// SiblingSymbols looks for name.pdb next to the image file. Dirs, when
// set, are searched afterwards by base name.
type SiblingSymbols struct {
	Dirs []string
}

// LocateSymbols implements loader.SymbolLocator.
func (s SiblingSymbols) LocateSymbols(name string, id metadata.Identity) ([]byte, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	candidates := []string{base + ".pdb"}
	stem := filepath.Base(base)
	if id.Name != "" && !strings.EqualFold(stem, id.Name) {
		candidates = append(candidates, filepath.Join(filepath.Dir(name), id.Name+".pdb"))
	}
	for _, dir := range s.Dirs {
		candidates = append(candidates, filepath.Join(dir, stem+".pdb"))
	}
	for _, c := range candidates {
		data, err := os.ReadFile(c)
		if err == nil {
			return data, true
		}
	}
	return nil, false
}
