package handler

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/hitoshi/payportal/internal/navigation"
	"github.com/hitoshi/payportal/internal/view"
)

// envelopeKeys はバックエンドが本体を包むのに使うキー。
var envelopeKeys = []string{"data", "results", "items", "stats"}

// statLabels はダッシュボード集計値の表示名。
var statLabels = map[string]string{
	"total_employees":    "従業員数",
	"active_employees":   "在籍従業員数",
	"total_locations":    "拠点数",
	"pending_timesheets": "未承認の勤怠",
	"total_payroll":      "給与総額",
	"total_net_pay":      "差引支給総額",
	"payroll_period":     "給与期間",
}

// unwrap は {"data": ...} のような包みを取り除く。
func unwrap(v any) any {
	for i := 0; i < 2; i++ {
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		found := false
		for _, key := range envelopeKeys {
			if inner, ok := m[key]; ok {
				switch inner.(type) {
				case map[string]any, []any:
					v = inner
					found = true
				}
			}
			if found {
				break
			}
		}
		if !found {
			return v
		}
	}
	return v
}

// toStats はダッシュボードの集計値をキー順に並べる。
func toStats(raw any) []view.Stat {
	m, ok := unwrap(raw).(map[string]any)
	if !ok {
		return nil
	}

	keys := sortedKeys(m)
	stats := make([]view.Stat, 0, len(keys))
	for _, key := range keys {
		label, ok := statLabels[key]
		if !ok {
			label = humanize(key)
		}
		stats = append(stats, view.Stat{Label: label, Value: formatValue(m[key])})
	}
	return stats
}

// toRows は一覧の各要素から列定義の順に値を取り出す。
func toRows(raw any, columns []navigation.Column) [][]string {
	list, ok := unwrap(raw).([]any)
	if !ok {
		return nil
	}

	rows := make([][]string, 0, len(list))
	for _, elem := range list {
		obj, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = formatValue(obj[col.Key])
		}
		rows = append(rows, row)
	}
	return rows
}

// toFields は詳細ページの項目をキー順に並べる。
func toFields(raw any) []view.Field {
	m, ok := unwrap(raw).(map[string]any)
	if !ok {
		return nil
	}

	keys := sortedKeys(m)
	fields := make([]view.Field, 0, len(keys))
	for _, key := range keys {
		fields = append(fields, view.Field{Label: humanize(key), Value: formatValue(m[key])})
	}
	return fields
}

// formatValue はJSONの値を表示用の文字列にする。
// 数値はバックエンドが返した値を丸めずに表示する。
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case string:
		return val
	case bool:
		if val {
			return "はい"
		}
		return "いいえ"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "-"
		}
		return string(b)
	}
}

// humanize は "first_name" を "First name" にする。
func humanize(key string) string {
	s := strings.ReplaceAll(key, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
