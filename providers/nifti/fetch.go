package nifti

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"nifti2database/models"
	"nifti2database/providers"
)

// Fetcher durchsucht Verzeichnisse nach NIfTI-Dateien und liest deren JSON-Sidecars.
type Fetcher struct {
	Logger *zap.Logger
}

// NewFetcher erstellt eine neue Instanz des NIfTI-Fetchers.
func NewFetcher(logger *zap.Logger) *Fetcher {
	return &Fetcher{Logger: logger}
}

// Name gibt den Namen der Quelle zurück.
func (f *Fetcher) Name() string {
	return "nifti"
}

// Volumes sammelt alle .nii/.nii.gz Dateien mit Sidecar und baut daraus VolumeRecords.
func (f *Fetcher) Volumes(ctx context.Context, dirs []string) ([]models.VolumeRecord, error) {
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			f.Logger.Error("in_dir does not exist", zap.String("dir", dir))
			return nil, fmt.Errorf("%w: %s", providers.ErrMissingInputDir, dir)
		}
	}

	niiFiles, err := listNiftiFiles(ctx, dirs)
	if err != nil {
		return nil, err
	}
	f.Logger.Info("Found nifti files", zap.Int("count", len(niiFiles)))

	var volumes []models.VolumeRecord
	for _, path := range niiFiles {
		nii := models.FileRef{Path: path}
		sidecar := models.FileRef{Path: filepath.Join(filepath.Dir(path), nii.Stem()+".json")}
		if _, err := os.Stat(sidecar.Path); err != nil {
			f.Logger.Warn("No json sidecar for nifti file, skipping", zap.String("nii", path))
			continue
		}
		fields, err := readSidecar(sidecar.Path)
		if err != nil {
			f.Logger.Warn("Unreadable json sidecar, skipping", zap.String("json", sidecar.Path), zap.Error(err))
			continue
		}
		derivePulseSequenceName(fields)
		fields[models.FieldNii] = nii
		fields[models.FieldJSON] = sidecar
		volumes = append(volumes, models.VolumeRecord{Nii: nii, Sidecar: sidecar, Fields: fields})
	}

	if len(volumes) == 0 {
		return nil, providers.ErrNoVolumes
	}
	assignRuns(volumes)
	f.Logger.Info("Volumes with sidecar", zap.Int("count", len(volumes)), zap.Int("skipped", len(niiFiles)-len(volumes)))
	return volumes, nil
}

func listNiftiFiles(ctx context.Context, dirs []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, dir := range dirs {
		var found []string
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			if strings.HasSuffix(path, ".nii") || strings.HasSuffix(path, ".nii.gz") {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", dir, err)
		}
		sort.Strings(found)
		for _, p := range found {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func readSidecar(path string) (models.Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	rec := make(models.Record, len(m))
	for k, v := range m {
		rec[k] = convertJSON(v)
	}
	return rec, nil
}

// convertJSON wandelt json.Number in int/float64 und homogene Arrays in typisierte Slices.
// Strings werden NFC-normalisiert.
func convertJSON(v any) any {
	switch t := v.(type) {
	case string:
		return normalizeText(t)
	case json.Number:
		if i, err := t.Int64(); err == nil && !strings.ContainsAny(t.String(), ".eE") {
			return int(i)
		}
		f, _ := t.Float64()
		return f
	case []any:
		items := make([]any, len(t))
		allInt, allNum, allStr := true, true, true
		for i, it := range t {
			items[i] = convertJSON(it)
			switch items[i].(type) {
			case int:
				allStr = false
			case float64:
				allInt, allStr = false, false
			case string:
				allInt, allNum = false, false
			default:
				allInt, allNum, allStr = false, false, false
			}
		}
		if len(items) == 0 {
			return items
		}
		switch {
		case allInt:
			out := make([]int, len(items))
			for i, it := range items {
				out[i] = it.(int)
			}
			return out
		case allNum:
			out := make([]float64, len(items))
			for i, it := range items {
				switch n := it.(type) {
				case int:
					out[i] = float64(n)
				case float64:
					out[i] = n
				}
			}
			return out
		case allStr:
			out := make([]string, len(items))
			for i, it := range items {
				out[i] = it.(string)
			}
			return out
		}
		return items
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, it := range t {
			out[k] = convertJSON(it)
		}
		return out
	default:
		return v
	}
}

// assignRuns setzt das run-Feld, falls der Sidecar keines mitbringt: die SeriesInstanceUIDs
// je (PatientName, ProtocolName, StudyInstanceUID) werden nach SeriesNumber durchnummeriert.
func assignRuns(volumes []models.VolumeRecord) {
	type seriesInfo struct {
		uid    string
		number float64
	}
	bySeries := map[string][]seriesInfo{}
	var keys []string
	known := map[string]map[string]bool{}

	for _, vol := range volumes {
		if _, ok := vol.Fields[models.FieldRun]; ok {
			continue
		}
		key := strings.Join([]string{
			vol.Fields.String(models.FieldPatientName),
			vol.Fields.String(models.FieldProtocolName),
			vol.Fields.String(models.FieldStudyInstanceUID),
		}, "\x00")
		uid := vol.Fields.String(models.FieldSeriesInstanceUID)
		if known[key] == nil {
			known[key] = map[string]bool{}
			keys = append(keys, key)
		}
		if known[key][uid] {
			continue
		}
		known[key][uid] = true
		bySeries[key] = append(bySeries[key], seriesInfo{uid: uid, number: seriesNumber(vol.Fields)})
	}

	runOf := map[string]map[string]int{}
	for _, key := range keys {
		series := bySeries[key]
		sort.SliceStable(series, func(i, j int) bool {
			return series[i].number < series[j].number
		})
		runOf[key] = map[string]int{}
		for i, s := range series {
			runOf[key][s.uid] = i + 1
		}
	}

	for i := range volumes {
		fields := volumes[i].Fields
		if _, ok := fields[models.FieldRun]; ok {
			fields[models.FieldRun] = toInt(fields[models.FieldRun])
			continue
		}
		key := strings.Join([]string{
			fields.String(models.FieldPatientName),
			fields.String(models.FieldProtocolName),
			fields.String(models.FieldStudyInstanceUID),
		}, "\x00")
		fields[models.FieldRun] = runOf[key][fields.String(models.FieldSeriesInstanceUID)]
	}
}

// derivePulseSequenceName leitet den Sequenznamen aus PulseSequenceDetails ab,
// z.B. "%SiemensSeq%\\tfl" -> "tfl".
func derivePulseSequenceName(fields models.Record) {
	if _, ok := fields[models.FieldPulseSequenceName]; ok {
		return
	}
	details := fields.String(models.FieldPulseSequenceDetails)
	if details == "" {
		return
	}
	if i := strings.LastIndexAny(details, "\\/"); i >= 0 {
		details = details[i+1:]
	}
	fields[models.FieldPulseSequenceName] = details
}

// normalizeText bringt Sidecar-Strings in NFC-Form.
func normalizeText(s string) string {
	normalized, _, err := transform.String(transform.Chain(norm.NFC), s)
	if err != nil {
		return s
	}
	return normalized
}

func seriesNumber(fields models.Record) float64 {
	switch n := fields[models.FieldSeriesNumber].(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func toInt(v any) any {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err == nil {
			return i
		}
	}
	return v
}
