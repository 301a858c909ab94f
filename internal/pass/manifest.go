package pass

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Asset is one member of the pass archive.
type Asset struct {
	Name string
	Data []byte
}

// manifest maps every file name to the hex SHA-1 of its contents. SHA-1 is
// what wallet clients verify; the signature over the manifest uses SHA-256.
func manifest(files []Asset) ([]byte, error) {
	m := make(map[string]string, len(files))
	for _, f := range files {
		sum := sha1.Sum(f.Data)
		m[f.Name] = hex.EncodeToString(sum[:])
	}
	return json.MarshalIndent(m, "", "  ")
}

func sortFiles(files []Asset) {
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
}
