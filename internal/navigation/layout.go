package navigation

import (
	"net/url"
	"sort"
	"strings"
)

// Crumb はパンくずの1要素。Pathが空の要素はリンクにしない。
type Crumb struct {
	Label   string
	Path    string
	Current bool
}

// Breadcrumb は現在のパスからパンくずを導出する。
//
// ホーム、所属グループ、パスのセグメント前方一致するページの順に並べ、
// ルート表にない残りのセグメントはそのまま末尾に付ける。
func (t *Table) Breadcrumb(p string) []Crumb {
	p = cleanPath(p)
	crumbs := []Crumb{{Label: t.Home.Label, Path: t.Home.Path}}

	if p == t.Home.Path {
		crumbs[0].Current = true
		return crumbs
	}

	items, group, ok := t.match(p)
	var remainder string
	if ok {
		crumbs = append(crumbs, Crumb{Label: group.Label})
		for _, it := range items {
			if it.Path == t.Home.Path {
				continue
			}
			crumbs = append(crumbs, Crumb{Label: it.Label, Path: it.Path})
		}
		remainder = strings.TrimPrefix(p, items[len(items)-1].Path)
	} else if hasSegmentPrefix(p, t.Base) {
		remainder = strings.TrimPrefix(p, strings.TrimSuffix(t.Base, "/"))
	} else {
		remainder = p
	}

	for _, seg := range strings.Split(remainder, "/") {
		if seg == "" {
			continue
		}
		if unescaped, err := url.PathUnescape(seg); err == nil {
			seg = unescaped
		}
		crumbs = append(crumbs, Crumb{Label: seg})
	}

	crumbs[len(crumbs)-1].Current = true
	return crumbs
}

// MenuItem はサイドバーの1リンク。
type MenuItem struct {
	Label  string
	Path   string
	Active bool
}

// MenuGroup はサイドバーの折りたたみグループ。
type MenuGroup struct {
	Key      string
	Label    string
	Expanded bool
	Items    []MenuItem
}

// Menu はサイドバーとモバイルドロワーのメニューを組み立てる。
// アクティブなページを含むグループと、expandedに指定されたグループを展開する。
func (t *Table) Menu(p string, expanded []string) []MenuGroup {
	p = cleanPath(p)

	var activePath string
	if items, _, ok := t.match(p); ok {
		activePath = items[len(items)-1].Path
	}

	open := make(map[string]bool, len(expanded))
	for _, key := range expanded {
		open[key] = true
	}

	groups := make([]MenuGroup, 0, len(t.Groups))
	for _, g := range t.Groups {
		mg := MenuGroup{Key: g.Key, Label: g.Label, Expanded: open[g.Key]}
		for _, it := range g.Items {
			active := it.Path == activePath
			if active {
				mg.Expanded = true
			}
			mg.Items = append(mg.Items, MenuItem{Label: it.Label, Path: it.Path, Active: active})
		}
		groups = append(groups, mg)
	}
	return groups
}

// Shell はレイアウトの表示状態。モバイルドロワーの開閉とグループの展開のみを持つ。
// クエリパラメータ ?menu=open と ?expand=a,b で表現する。
type Shell struct {
	MenuOpen bool
	Expanded []string
}

// ParseShell はクエリパラメータからレイアウトの表示状態を読み取る。
func ParseShell(q url.Values) Shell {
	s := Shell{MenuOpen: q.Get("menu") == "open"}

	seen := make(map[string]bool)
	for _, raw := range q["expand"] {
		for _, key := range strings.Split(raw, ",") {
			key = strings.TrimSpace(key)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			s.Expanded = append(s.Expanded, key)
		}
	}
	sort.Strings(s.Expanded)
	return s
}

// IsExpanded はグループが明示的に展開されているかを返す。
func (s Shell) IsExpanded(key string) bool {
	for _, k := range s.Expanded {
		if k == key {
			return true
		}
	}
	return false
}

// ToggleGroupQuery はグループの展開状態を反転したクエリ文字列を返す。
func (s Shell) ToggleGroupQuery(key string) string {
	next := Shell{MenuOpen: s.MenuOpen}
	for _, k := range s.Expanded {
		if k != key {
			next.Expanded = append(next.Expanded, k)
		}
	}
	if !s.IsExpanded(key) {
		next.Expanded = append(next.Expanded, key)
		sort.Strings(next.Expanded)
	}
	return next.Query()
}

// ToggleMenuQuery はドロワーの開閉を反転したクエリ文字列を返す。
func (s Shell) ToggleMenuQuery() string {
	next := Shell{MenuOpen: !s.MenuOpen, Expanded: s.Expanded}
	return next.Query()
}

// Query は表示状態をクエリ文字列にする。空の状態は空文字列。
func (s Shell) Query() string {
	q := url.Values{}
	if s.MenuOpen {
		q.Set("menu", "open")
	}
	if len(s.Expanded) > 0 {
		q.Set("expand", strings.Join(s.Expanded, ","))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
