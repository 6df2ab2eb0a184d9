package services

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/cucumber/godog"
	"go.uber.org/zap"

	"nifti2database/config"
	"nifti2database/models"
)

// pipelineContext hält den Zustand eines Szenarios.
type pipelineContext struct {
	tree    *DecisionTree
	volumes []models.VolumeRecord
	scans   []models.Record
	outDir  string
	result  *IngestResult
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func InitializeScenario(sc *godog.ScenarioContext) {
	pc := &pipelineContext{}

	sc.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		tree, err := LoadDecisionTree("")
		if err != nil {
			return ctx, err
		}
		outDir, err := os.MkdirTemp("", "nifti2database-features-*")
		if err != nil {
			return ctx, err
		}
		*pc = pipelineContext{tree: tree, outDir: outDir}
		return ctx, nil
	})

	sc.After(func(ctx context.Context, s *godog.Scenario, err error) (context.Context, error) {
		if pc.outDir != "" {
			os.RemoveAll(pc.outDir)
		}
		return ctx, nil
	})

	sc.Step(`^a decision tree with the single rule "([^"]*)" for "([^"]*)"$`, pc.aDecisionTreeWithSingleRule)
	sc.Step(`^(\d+) "([^"]*)" volumes of patient "([^"]*)" protocol "([^"]*)" run (\d+)$`, pc.volumesOf)
	sc.Step(`^volume (\d+) has SeriesInstanceUID "([^"]*)"$`, pc.volumeHasSeriesUID)
	sc.Step(`^a scan with Resolution "([^"]*)"$`, pc.aScanWithResolution)
	sc.Step(`^the volumes are aggregated$`, pc.theVolumesAreAggregated)
	sc.Step(`^the scans are deduplicated$`, pc.theScansAreDeduplicated)
	sc.Step(`^the scans are normalized$`, pc.theScansAreNormalized)
	sc.Step(`^the scans are prepared as SQL$`, pc.theScansArePreparedAsSQL)
	sc.Step(`^there should be (\d+) scans?$`, pc.thereShouldBeScans)
	sc.Step(`^scan (\d+) field "([^"]*)" should have (\d+) values$`, pc.scanFieldShouldHaveValues)
	sc.Step(`^scan (\d+) field "([^"]*)" should be "([^"]*)"$`, pc.scanFieldShouldBe)
	sc.Step(`^the SQL file should contain (\d+) statements$`, pc.theSQLFileShouldContainStatements)
}

func (pc *pipelineContext) aDecisionTreeWithSingleRule(pattern, handler string) error {
	tree, err := ParseDecisionTree([]byte(fmt.Sprintf("- pattern: %q\n  handler: %s\n", pattern, handler)))
	if err != nil {
		return err
	}
	pc.tree = tree
	return nil
}

func (pc *pipelineContext) volumesOf(n int, seq, patient, protocol string, run int) error {
	for i := 0; i < n; i++ {
		pc.volumes = append(pc.volumes, models.VolumeRecord{Fields: models.Record{
			models.FieldPatientName:       patient,
			models.FieldProtocolName:      protocol,
			models.FieldRun:               run,
			models.FieldPulseSequenceName: seq,
			models.FieldSeriesInstanceUID: "U-" + seq,
			models.FieldStudyInstanceUID:  "S1",
		}})
	}
	return nil
}

func (pc *pipelineContext) volumeHasSeriesUID(idx int, uid string) error {
	if idx < 1 || idx > len(pc.volumes) {
		return fmt.Errorf("no volume %d", idx)
	}
	pc.volumes[idx-1].Fields[models.FieldSeriesInstanceUID] = uid
	return nil
}

func (pc *pipelineContext) aScanWithResolution(raw string) error {
	var res []float64
	for _, part := range strings.Split(raw, ",") {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return err
		}
		res = append(res, f)
	}
	pc.scans = append(pc.scans, models.Record{models.FieldResolution: res})
	return nil
}

func (pc *pipelineContext) theVolumesAreAggregated() error {
	merged := MergeClassification(pc.volumes, pc.tree, zap.NewNop())
	pc.scans = NewScanAggregator(pc.tree, zap.NewNop()).Aggregate(merged)
	return nil
}

func (pc *pipelineContext) theScansAreDeduplicated() error {
	pc.scans = Deduplicate(pc.scans, zap.NewNop())
	return nil
}

func (pc *pipelineContext) theScansAreNormalized() error {
	var err error
	pc.scans, err = NormalizeScans(pc.scans)
	return err
}

func (pc *pipelineContext) theScansArePreparedAsSQL() error {
	in := &Ingestor{Logger: zap.NewNop()}
	var err error
	pc.result, err = in.Ingest(context.Background(), pc.scans, IngestOptions{
		Mode:    config.ModePrepare,
		OutDir:  pc.outDir,
		LogFile: "features.log",
	})
	return err
}

func (pc *pipelineContext) thereShouldBeScans(n int) error {
	if len(pc.scans) != n {
		return fmt.Errorf("expected %d scans, got %d", n, len(pc.scans))
	}
	return nil
}

func (pc *pipelineContext) scan(idx int) (models.Record, error) {
	if idx < 1 || idx > len(pc.scans) {
		return nil, fmt.Errorf("no scan %d (have %d)", idx, len(pc.scans))
	}
	return pc.scans[idx-1], nil
}

func (pc *pipelineContext) scanFieldShouldHaveValues(idx int, field string, n int) error {
	scan, err := pc.scan(idx)
	if err != nil {
		return err
	}
	values, ok := scan[field].([]any)
	if !ok || len(values) != n {
		return fmt.Errorf("field %s = %#v, expected %d values", field, scan[field], n)
	}
	return nil
}

func (pc *pipelineContext) scanFieldShouldBe(idx int, field, want string) error {
	scan, err := pc.scan(idx)
	if err != nil {
		return err
	}
	if got := render(scan[field]); got != want {
		return fmt.Errorf("field %s = %q, expected %q", field, got, want)
	}
	return nil
}

func (pc *pipelineContext) theSQLFileShouldContainStatements(n int) error {
	if pc.result == nil {
		return fmt.Errorf("nothing prepared")
	}
	data, err := os.ReadFile(pc.result.OutputFile)
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != n {
		return fmt.Errorf("expected %d statements, got %d", n, len(lines))
	}
	return nil
}

// render gibt Listen kommagetrennt aus.
func render(v any) string {
	if list, ok := v.([]any); ok {
		parts := make([]string, len(list))
		for i, it := range list {
			parts[i] = fmt.Sprint(it)
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v)
}
