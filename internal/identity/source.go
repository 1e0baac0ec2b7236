package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/cardflow/internal/model"
)

var fileNameRe = regexp.MustCompile(`^(\d+)_(\d+)_([FfBb])\.(?i:jpe?g)$`)

// ParseFileName recognizes {day}_{seq}_{F|B}.jpg. Anything else reports false.
func ParseFileName(name string) (model.Identity, model.Side, bool) {
	m := fileNameRe.FindStringSubmatch(name)
	if m == nil {
		return model.Identity{}, "", false
	}
	day, err := strconv.Atoi(m[1])
	if err != nil || day <= 0 {
		return model.Identity{}, "", false
	}
	seq, err := strconv.Atoi(m[2])
	if err != nil {
		return model.Identity{}, "", false
	}
	side, ok := model.SideFromCode(m[3])
	if !ok {
		return model.Identity{}, "", false
	}
	return model.Identity{Day: day, Seq: seq}, side, true
}

// Capture is one identity found in the image source directory.
type Capture struct {
	Identity model.Identity
	Front    string
	Back     string
	// Grade is the operator's estimate from the sidecar file, 0 if absent.
	Grade int
	// SidecarErr is set when the sidecar exists but cannot be used.
	SidecarErr error
}

// Complete reports whether both sides are present.
func (c Capture) Complete() bool {
	return c.Front != "" && c.Back != ""
}

// sidecar is the optional {day}_{seq}.yaml next to the images.
type sidecar struct {
	Grade int `yaml:"grade"`
}

// Scan groups the image files in dir by identity. Unmatched files are
// ignored and a bad sidecar is reported on its capture only. Results are in
// identity order.
func Scan(dir string) ([]Capture, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "identity: read image dir %s", dir)
	}

	byID := make(map[model.Identity]*Capture)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, side, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		c, ok := byID[id]
		if !ok {
			c = &Capture{Identity: id}
			byID[id] = c
		}
		path := filepath.Join(dir, e.Name())
		if side == model.SideBack {
			c.Back = path
		} else {
			c.Front = path
		}
	}

	out := make([]Capture, 0, len(byID))
	for _, c := range byID {
		c.Grade, c.SidecarErr = readSidecar(dir, c.Identity)
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Identity, out[j].Identity
		if a.Day != b.Day {
			return a.Day < b.Day
		}
		return a.Seq < b.Seq
	})
	return out, nil
}

func readSidecar(dir string, id model.Identity) (int, error) {
	path := filepath.Join(dir, id.String()+".yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "identity: read sidecar %s", path)
	}
	var sc sidecar
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return 0, model.Invalid("identity: parse sidecar "+filepath.Base(path), err)
	}
	if sc.Grade != 0 && (sc.Grade < 1 || sc.Grade > 10) {
		return 0, model.Invalid(fmt.Sprintf("identity: sidecar %s: grade %d out of range", filepath.Base(path), sc.Grade), nil)
	}
	return sc.Grade, nil
}

// WriteSidecar records the estimated grade next to the images.
func WriteSidecar(dir string, id model.Identity, grade int) error {
	data, err := yaml.Marshal(sidecar{Grade: grade})
	if err != nil {
		return eris.Wrap(err, "identity: marshal sidecar")
	}
	path := filepath.Join(dir, id.String()+".yaml")
	return eris.Wrapf(os.WriteFile(path, data, 0o644), "identity: write sidecar %s", path)
}
