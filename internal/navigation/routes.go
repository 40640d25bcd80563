// Package navigation はポータルの静的ルート表と、そこから導出するメニュー・パンくずを提供する。
package navigation

import (
	_ "embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed routes.yaml
var routesYAML []byte

// ページの種類。ハンドラーが描画方法を選ぶのに使う。
const (
	KindDashboard = "dashboard"
	KindTable     = "table"
	KindDetail    = "detail"
)

// Column は一覧ページの列定義。
type Column struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
}

// Item はルート表の1ページ。
type Item struct {
	Key     string   `yaml:"key"`
	Label   string   `yaml:"label"`
	Path    string   `yaml:"path"`
	Kind    string   `yaml:"kind"`
	Source  string   `yaml:"source"`
	Columns []Column `yaml:"columns"`
}

// Group はサイドバーの折りたたみ単位。
type Group struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
	Items []Item `yaml:"items"`
}

// Link はラベル付きのパス。
type Link struct {
	Label string `yaml:"label"`
	Path  string `yaml:"path"`
}

// Table は静的ルート表。読み込み後は変更しない。
type Table struct {
	Home   Link    `yaml:"home"`
	Base   string  `yaml:"base"`
	Groups []Group `yaml:"groups"`
}

// Default は埋め込みのルート表を読み込む。
func Default() (*Table, error) {
	return Load(routesYAML)
}

// Load はYAMLからルート表を読み込み、検証する。
func Load(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal route table: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) validate() error {
	if !strings.HasPrefix(t.Home.Path, "/") {
		return fmt.Errorf("route table: home path must be absolute: %q", t.Home.Path)
	}
	if t.Base == "" {
		t.Base = "/"
	}

	groupKeys := make(map[string]bool)
	paths := make(map[string]bool)
	for _, g := range t.Groups {
		if g.Key == "" {
			return fmt.Errorf("route table: group without key")
		}
		if groupKeys[g.Key] {
			return fmt.Errorf("route table: duplicate group %q", g.Key)
		}
		groupKeys[g.Key] = true

		for _, it := range g.Items {
			if !strings.HasPrefix(it.Path, "/") || path.Clean(it.Path) != it.Path {
				return fmt.Errorf("route table: invalid path %q in group %q", it.Path, g.Key)
			}
			if paths[it.Path] {
				return fmt.Errorf("route table: duplicate path %q", it.Path)
			}
			paths[it.Path] = true

			switch it.Kind {
			case KindDashboard, KindTable, KindDetail:
			default:
				return fmt.Errorf("route table: unknown kind %q for %q", it.Kind, it.Path)
			}
			if it.Kind == KindTable && len(it.Columns) == 0 {
				return fmt.Errorf("route table: table page %q has no columns", it.Path)
			}
			if !strings.HasPrefix(it.Source, "/") {
				return fmt.Errorf("route table: page %q needs an absolute source, got %q", it.Path, it.Source)
			}
		}
	}
	return nil
}

// Lookup はパスに完全一致するページとその所属グループを返す。
func (t *Table) Lookup(p string) (Item, Group, bool) {
	p = cleanPath(p)
	for _, g := range t.Groups {
		for _, it := range g.Items {
			if it.Path == p {
				return it, g, true
			}
		}
	}
	return Item{}, Group{}, false
}

// match は現在のパスをセグメント単位で前方一致するページを短い順に返す。
func (t *Table) match(p string) ([]Item, Group, bool) {
	type hit struct {
		item  Item
		group Group
	}
	var hits []hit
	for _, g := range t.Groups {
		for _, it := range g.Items {
			if hasSegmentPrefix(p, it.Path) {
				hits = append(hits, hit{it, g})
			}
		}
	}
	if len(hits) == 0 {
		return nil, Group{}, false
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return len(hits[i].item.Path) < len(hits[j].item.Path)
	})

	// グループは最も深く一致したページで決まる
	deepest := hits[len(hits)-1].group
	items := make([]Item, 0, len(hits))
	for _, h := range hits {
		if h.group.Key == deepest.Key {
			items = append(items, h.item)
		}
	}
	return items, deepest, true
}

// hasSegmentPrefix はprefixがpのセグメント境界での前方一致かを判定する。
// "/outsourced/company" は "/outsourced/company/locations" に一致するが "/outsourced/companyx" には一致しない。
func hasSegmentPrefix(p, prefix string) bool {
	if p == prefix {
		return true
	}
	if prefix == "/" {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
