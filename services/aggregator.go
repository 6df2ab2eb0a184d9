package services

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"nifti2database/models"
)

// GroupKey identifiziert die Volumes, die zu einem Scan gehören.
type GroupKey struct {
	PatientName       string
	ProtocolName      string
	Run               string
	MRAcquisitionType string
	StudyInstanceUID  string
}

func groupKeyOf(f models.Record) GroupKey {
	return GroupKey{
		PatientName:       canonicalKey(f[models.FieldPatientName]),
		ProtocolName:      canonicalKey(f[models.FieldProtocolName]),
		Run:               canonicalKey(f[models.FieldRun]),
		MRAcquisitionType: canonicalKey(f[models.FieldMRAcquisitionType]),
		StudyInstanceUID:  canonicalKey(f[models.FieldStudyInstanceUID]),
	}
}

// ScanAggregator fasst Volumes zu Scans zusammen.
type ScanAggregator struct {
	Tree   *DecisionTree
	Logger *zap.Logger
}

// NewScanAggregator erstellt einen neuen Aggregator.
func NewScanAggregator(tree *DecisionTree, logger *zap.Logger) *ScanAggregator {
	return &ScanAggregator{Tree: tree, Logger: logger}
}

// Aggregate läuft über die Regeln (äußere Schleife) und die Gruppen in Fundreihenfolge
// (innere Schleife). Ein Volume wird von der ersten passenden Regel beansprucht;
// Volumes ohne passende Regel landen in keinem Scan.
func (a *ScanAggregator) Aggregate(volumes []models.VolumeRecord) []models.Record {
	claimed := make([]bool, len(volumes))
	var scans []models.Record

	for _, rule := range a.Tree.Rules {
		var subset []int
		for i, vol := range volumes {
			if claimed[i] {
				continue
			}
			if rule.Pattern.MatchString(vol.Fields.String(models.FieldPulseSequenceName)) {
				subset = append(subset, i)
				claimed[i] = true
			}
		}
		if len(subset) == 0 {
			continue
		}

		groups := map[GroupKey][]int{}
		var order []GroupKey
		for _, i := range subset {
			key := groupKeyOf(volumes[i].Fields)
			if _, ok := groups[key]; !ok {
				order = append(order, key)
			}
			groups[key] = append(groups[key], i)
		}

		for _, key := range order {
			members := make([]models.Record, 0, len(groups[key]))
			for _, i := range groups[key] {
				members = append(members, volumes[i].Fields)
			}
			scans = append(scans, BuildScan(members))
		}
		a.Logger.Debug("Rule aggregated",
			zap.String("pattern", rule.Pattern.String()),
			zap.String("handler", rule.Handler.Name()),
			zap.Int("volumes", len(subset)),
			zap.Int("scans", len(order)))
	}

	discarded := 0
	for _, c := range claimed {
		if !c {
			discarded++
		}
	}
	a.Logger.Info("Scans aggregated", zap.Int("volumes", len(volumes)), zap.Int("scans", len(scans)), zap.Int("unmatched_volumes", discarded))
	return scans
}

// BuildScan baut einen Scan aus den Mitgliedern einer Gruppe. Felder mit genau einem
// eindeutigen Wert werden zum Skalar, sonst bleibt die geordnete Liste. Ein Feld, das
// auf ein einzelnes NaN zusammenfällt, entfällt.
func BuildScan(members []models.Record) models.Record {
	var names []string
	seen := map[string]bool{}
	for _, m := range members {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)

	scan := make(models.Record, len(names))
	var drop []string
	for _, name := range names {
		values := make([]any, len(members))
		for i, m := range members {
			v, ok := m[name]
			if !ok {
				v = math.NaN()
			}
			values[i] = v
		}
		collapsed := collapse(values)
		if models.IsNaN(collapsed) {
			drop = append(drop, name)
		}
		scan[name] = collapsed
	}
	for _, name := range drop {
		delete(scan, name)
	}
	return scan
}

func collapse(values []any) any {
	first := canonicalKey(values[0])
	for _, v := range values[1:] {
		if canonicalKey(v) != first {
			out := make([]any, len(values))
			for i, it := range values {
				out[i] = narrow(it)
			}
			return out
		}
	}
	return narrow(values[0])
}

// canonicalKey bildet Werte auf einen vergleichbaren Schlüssel ab: Zahlen werden über
// ihren float64-Wert verglichen (NaN == NaN), Listen als Tupel ihrer Elemente.
func canonicalKey(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return "s:" + t
	case bool:
		return "b:" + strconv.FormatBool(t)
	case models.FileRef:
		return "f:" + t.Path
	case []int:
		keys := make([]string, len(t))
		for i, it := range t {
			keys[i] = canonicalKey(it)
		}
		return "(" + strings.Join(keys, ",") + ")"
	case []float64:
		keys := make([]string, len(t))
		for i, it := range t {
			keys[i] = canonicalKey(it)
		}
		return "(" + strings.Join(keys, ",") + ")"
	case []string:
		keys := make([]string, len(t))
		for i, it := range t {
			keys[i] = canonicalKey(it)
		}
		return "(" + strings.Join(keys, ",") + ")"
	case []any:
		keys := make([]string, len(t))
		for i, it := range t {
			keys[i] = canonicalKey(it)
		}
		return "(" + strings.Join(keys, ",") + ")"
	case map[string]any:
		ks := make([]string, 0, len(t))
		for k := range t {
			ks = append(ks, k)
		}
		sort.Strings(ks)
		parts := make([]string, len(ks))
		for i, k := range ks {
			parts[i] = k + "=" + canonicalKey(t[k])
		}
		return "{" + strings.Join(parts, ",") + "}"
	}
	if f, ok := toFloat(v); ok {
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	return fmt.Sprintf("%T:%v", v, v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// narrow bringt breitere numerische Darstellungen auf int bzw. float64.
func narrow(v any) any {
	switch n := v.(type) {
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float32:
		return float64(n)
	case []int32:
		out := make([]int, len(n))
		for i, it := range n {
			out[i] = int(it)
		}
		return out
	case []int64:
		out := make([]int, len(n))
		for i, it := range n {
			out[i] = int(it)
		}
		return out
	case []float32:
		out := make([]float64, len(n))
		for i, it := range n {
			out[i] = float64(it)
		}
		return out
	}
	return v
}
