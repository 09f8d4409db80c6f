// Package match loads the movement of a session from a YAML match file.
package match

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/slipserver/go/internal/models"
)

// ErrInvalidMatch is returned when the match file is structurally wrong.
var ErrInvalidMatch = errors.New("invalid match file")

type fileGroup struct {
	Name string `yaml:"name"`
	// Rounds holds, per round, one [set, ns, ew] triple per table.
	Rounds [][][]int `yaml:"rounds"`
}

type file struct {
	Description string         `yaml:"description"`
	Session     int            `yaml:"session"`
	Rounds      int            `yaml:"rounds"`
	SetSize     int            `yaml:"set_size"`
	Pairs       map[int]string `yaml:"pairs"`
	Groups      []fileGroup    `yaml:"groups"`
}

// Load reads and validates a match file.
func Load(path string) (*models.MatchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read match file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates match YAML.
func Parse(data []byte) (*models.MatchConfig, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse match file: %w", err)
	}

	if f.Rounds < 1 {
		return nil, fmt.Errorf("%w: rounds must be at least 1", ErrInvalidMatch)
	}
	if f.SetSize < 1 {
		return nil, fmt.Errorf("%w: set_size must be at least 1", ErrInvalidMatch)
	}
	if len(f.Groups) == 0 {
		return nil, fmt.Errorf("%w: no groups defined", ErrInvalidMatch)
	}
	if f.Session < 1 {
		f.Session = 1
	}

	cfg := &models.MatchConfig{
		Description: f.Description,
		Session:     f.Session,
		Rounds:      f.Rounds,
		SetSize:     f.SetSize,
		PairNames:   f.Pairs,
	}
	if cfg.PairNames == nil {
		cfg.PairNames = make(map[int]string)
	}

	for gi, fg := range f.Groups {
		group, err := convertGroup(gi+1, fg, f.Rounds)
		if err != nil {
			return nil, err
		}
		cfg.Groups = append(cfg.Groups, group)
	}

	return cfg, nil
}

func convertGroup(number int, fg fileGroup, rounds int) (models.Group, error) {
	name := fg.Name
	if name == "" {
		name = fmt.Sprintf("%d", number)
	}
	if len(fg.Rounds) != rounds {
		return models.Group{}, fmt.Errorf("%w: group %s has %d rounds, want %d",
			ErrInvalidMatch, name, len(fg.Rounds), rounds)
	}

	group := models.Group{Name: name}
	tables := -1
	for ri, row := range fg.Rounds {
		if tables == -1 {
			tables = len(row)
		}
		if len(row) == 0 || len(row) != tables {
			return models.Group{}, fmt.Errorf("%w: group %s round %d has %d tables, want %d",
				ErrInvalidMatch, name, ri+1, len(row), tables)
		}

		slots := make([]models.TableSlot, 0, len(row))
		for ti, entry := range row {
			if len(entry) != 3 {
				return models.Group{}, fmt.Errorf("%w: group %s round %d table %d: want [set, ns, ew]",
					ErrInvalidMatch, name, ri+1, ti+1)
			}
			slot := models.TableSlot{Set: entry[0], NS: entry[1], EW: entry[2]}
			if slot.Set < 0 {
				return models.Group{}, fmt.Errorf("%w: group %s round %d table %d: negative set",
					ErrInvalidMatch, name, ri+1, ti+1)
			}
			if !slot.SitOut() && (slot.NS < 1 || slot.EW < 1) {
				return models.Group{}, fmt.Errorf("%w: group %s round %d table %d: missing pair",
					ErrInvalidMatch, name, ri+1, ti+1)
			}
			slots = append(slots, slot)
		}
		group.Movement = append(group.Movement, slots)
	}

	return group, nil
}
