package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/posepipe/internal/labelmap"
	"github.com/andresmejia3/posepipe/internal/pose/posetest"
	"github.com/andresmejia3/posepipe/internal/store"
	"github.com/andresmejia3/posepipe/internal/train"
)

func TestRunTrain_NativeWritesArtifacts(t *testing.T) {
	env := newTestEnv(t, true)
	env.addVideo(t, "left_01.mp4", 6)
	env.addVideo(t, "right_01.mp4", 6)

	ctx := context.Background()
	if _, err := runExtract(ctx, extractTestOptions(), env.deps()); err != nil {
		t.Fatal(err)
	}

	out, err := runTrain(ctx, fastTrainOptions())
	if err != nil {
		t.Fatalf("runTrain failed: %v", err)
	}
	if out.Backend != train.BackendNative {
		t.Errorf("backend = %s", out.Backend)
	}
	if out.Rows != 12 || out.EvalRows != 3 || out.TrainRows != 9 {
		t.Errorf("rows = %d (train %d / eval %d), want 12 (9 / 3)", out.Rows, out.TrainRows, out.EvalRows)
	}
	if out.ModelPath != Cfg.ModelPath() {
		t.Errorf("ModelPath = %s, want %s", out.ModelPath, Cfg.ModelPath())
	}
	for _, p := range []string{out.ModelPath, out.LabelMapPath, out.LabelMapJSON, out.HistoryPath} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("artifact missing: %v", err)
		}
	}
	lm, err := labelmap.Load(out.LabelMapPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(lm.Labels(), ","); got != "left,right" {
		t.Errorf("label map = %s, want left,right", got)
	}

	runs, err := DB.ListRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].Stage != "train" || runs[0].Status != store.StatusSucceeded {
		t.Errorf("newest run = %+v, want succeeded train run", runs[0])
	}
}

func TestRunTrain_SingleLabelFails(t *testing.T) {
	env := newTestEnv(t, true)
	env.addVideo(t, "left_01.mp4", 4)

	ctx := context.Background()
	if _, err := runExtract(ctx, extractTestOptions(), env.deps()); err != nil {
		t.Fatal(err)
	}
	if _, err := runTrain(ctx, fastTrainOptions()); err == nil {
		t.Fatal("Expected error training on a single label")
	}
	runs, _ := DB.ListRuns(ctx, 1)
	if len(runs) != 1 || runs[0].Status != store.StatusFailed {
		t.Errorf("runs = %+v, want failed train run", runs)
	}
}

func TestRunTrain_UnknownBackend(t *testing.T) {
	newTestEnv(t, false)
	opts := fastTrainOptions()
	opts.Backend = "torch"
	if _, err := runTrain(context.Background(), opts); err == nil {
		t.Fatal("Expected error for unknown backend")
	}
}

func TestRunPredict(t *testing.T) {
	env := newTestEnv(t, false)
	clip := env.addVideo(t, "left_01.mp4", 6)
	env.addVideo(t, "right_01.mp4", 6)

	ctx := context.Background()
	if _, err := runExtract(ctx, extractTestOptions(), env.deps()); err != nil {
		t.Fatal(err)
	}
	if _, err := runTrain(ctx, fastTrainOptions()); err != nil {
		t.Fatal(err)
	}

	pred, err := runPredict(ctx, clip, predictOptions{MissPolicy: "skip"}, env.deps())
	if err != nil {
		t.Fatalf("runPredict failed: %v", err)
	}
	if pred.Frames != 6 {
		t.Errorf("frames = %d, want 6", pred.Frames)
	}
	if pred.Majority != "left" && pred.Majority != "right" {
		t.Errorf("majority = %q, want a trained label", pred.Majority)
	}
	total := 0
	for _, c := range pred.Counts {
		total += c.Frames
	}
	if total != 6 {
		t.Errorf("counts sum to %d, want 6", total)
	}
}

func TestRunPredict_EstimatorClosedBeforeFailureReported(t *testing.T) {
	env := newTestEnv(t, false)
	clip := env.addVideo(t, "left_01.mp4", 4)
	env.addVideo(t, "right_01.mp4", 4)

	ctx := context.Background()
	if _, err := runExtract(ctx, extractTestOptions(), env.deps()); err != nil {
		t.Fatal(err)
	}
	if _, err := runTrain(ctx, fastTrainOptions()); err != nil {
		t.Fatal(err)
	}

	env.factory.New = func() *posetest.Estimator {
		return &posetest.Estimator{FailAt: 2, Err: errors.New("worker died")}
	}
	if _, err := runPredict(ctx, clip, predictOptions{MissPolicy: "skip"}, env.deps()); err == nil {
		t.Fatal("Expected error from failing estimator")
	}
	created := env.factory.Created()
	if last := created[len(created)-1]; !last.Closed() {
		t.Error("estimator should be closed once prediction fails")
	}
	if n := env.decoder.OpenReaders(); n != 0 {
		t.Errorf("%d decoder readers left open", n)
	}
}

func TestRunPredict_Errors(t *testing.T) {
	env := newTestEnv(t, false)
	clip := env.addVideo(t, "left_01.mp4", 3)

	if _, err := runPredict(context.Background(), filepath.Join(env.root, "missing.mp4"), predictOptions{}, env.deps()); err == nil {
		t.Error("Expected error for a missing video")
	}
	if _, err := runPredict(context.Background(), clip, predictOptions{MissPolicy: "skip"}, env.deps()); err == nil {
		t.Error("Expected error without a trained model")
	}
	if _, err := runPredict(context.Background(), clip, predictOptions{MissPolicy: "guess"}, env.deps()); err == nil {
		t.Error("Expected error for an unknown miss policy")
	}
}

func TestSummarizePredictions(t *testing.T) {
	lm := labelmap.FromLabels([]string{"jump", "squat", "wave"})

	tests := []struct {
		name     string
		indices  []int
		majority string
		first    labelCount
		wantErr  bool
	}{
		{"clear majority", []int{1, 1, 0, 1, 2}, "squat", labelCount{"squat", 3}, false},
		{"tie breaks alphabetically", []int{2, 0, 2, 0}, "jump", labelCount{"jump", 2}, false},
		{"single frame", []int{2}, "wave", labelCount{"wave", 1}, false},
		{"no frames", nil, "", labelCount{}, false},
		{"index out of range", []int{0, 7}, "", labelCount{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := summarizePredictions(tt.indices, lm)
			if (err != nil) != tt.wantErr {
				t.Fatalf("summarizePredictions() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Majority != tt.majority {
				t.Errorf("Majority = %q, want %q", got.Majority, tt.majority)
			}
			if len(got.Counts) > 0 && got.Counts[0] != tt.first {
				t.Errorf("Counts[0] = %+v, want %+v", got.Counts[0], tt.first)
			}
			if got.Frames != len(tt.indices) {
				t.Errorf("Frames = %d, want %d", got.Frames, len(tt.indices))
			}
		})
	}
}

func TestPrintPrediction(t *testing.T) {
	var buf bytes.Buffer
	printPrediction(&buf, "clip.mp4", prediction{
		Counts:   []labelCount{{"wave", 3}, {"jump", 1}},
		Majority: "wave",
		Frames:   4,
	})
	out := buf.String()
	if !strings.Contains(out, "75.0%") || !strings.Contains(out, "clip.mp4: wave") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

const fakeKerasTrainer = `
model=""; report=""
while [ $# -gt 0 ]; do
  case "$1" in
    --model) model="$2"; shift ;;
    --report) report="$2"; shift ;;
  esac
  shift
done
echo keras > "$model"
printf '{"eval_accuracy":1.0,"history":[{"epoch":1,"loss":0.1,"accuracy":1.0,"eval_loss":0.1,"eval_accuracy":1.0}]}' > "$report"
`

// fakeConverter copies nothing; it only proves it was called with the model and output dir.
const fakeConverter = `#!/bin/sh
for last; do :; done
test -d "$last" || exit 5
echo '{"format":"layers-model"}' > "$last/model.json"
`

func writeExecutable(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunPipeline_NativeSkipsConvert(t *testing.T) {
	env := newTestEnv(t, true)
	env.addVideo(t, "left_01.mp4", 4)
	env.addVideo(t, "right_01.mp4", 4)

	pipelineExtract = extractTestOptions()
	pipelineTrain = fastTrainOptions()
	pipelineConvert = convertOptions{}
	pipelineDeps = env.deps()
	t.Cleanup(func() { pipelineDeps = extractDeps{} })

	if err := runPipeline(context.Background()); err != nil {
		t.Fatalf("runPipeline failed: %v", err)
	}
	if _, err := os.Stat(Cfg.ModelPath()); err != nil {
		t.Errorf("native model missing: %v", err)
	}
	if _, err := os.Stat(Cfg.OutputDir); !os.IsNotExist(err) {
		t.Errorf("output dir should not exist for the native backend, stat err = %v", err)
	}

	runs, err := DB.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("runs = %d, want extract and train", len(runs))
	}
}

func TestRunPipeline_KerasConverts(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	env := newTestEnv(t, true)
	env.addVideo(t, "left_01.mp4", 4)
	env.addVideo(t, "right_01.mp4", 4)
	Cfg.PythonPath = "sh"
	Cfg.TrainScript = writeExecutable(t, "train_keras.sh", fakeKerasTrainer)
	Cfg.Converter = writeExecutable(t, "tensorflowjs_converter", fakeConverter)

	pipelineExtract = extractTestOptions()
	pipelineTrain = fastTrainOptions()
	pipelineTrain.Backend = train.BackendKeras
	pipelineConvert = convertOptions{}
	pipelineDeps = env.deps()
	t.Cleanup(func() { pipelineDeps = extractDeps{} })

	if err := runPipeline(context.Background()); err != nil {
		t.Fatalf("runPipeline failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(Cfg.OutputDir, "model.json")); err != nil {
		t.Errorf("converted model missing: %v", err)
	}
	runs, _ := DB.ListRuns(context.Background(), 10)
	if len(runs) != 3 || runs[0].Stage != "convert" || runs[0].Status != store.StatusSucceeded {
		t.Errorf("runs = %+v, want convert as the newest succeeded run", runs)
	}
}

func TestRunPipeline_StopsOnExtractFailure(t *testing.T) {
	env := newTestEnv(t, true)
	pipelineExtract = extractTestOptions()
	pipelineExtract.InputDir = filepath.Join(env.root, "nowhere")
	pipelineTrain = fastTrainOptions()
	pipelineDeps = env.deps()
	t.Cleanup(func() { pipelineDeps = extractDeps{} })

	if err := runPipeline(context.Background()); err == nil {
		t.Fatal("Expected error for a missing input directory")
	}
	if _, err := os.Stat(Cfg.ModelDir); !os.IsNotExist(err) {
		t.Errorf("training should not run after a failed extract, stat err = %v", err)
	}
}

func TestRunConvert_MissingModel(t *testing.T) {
	newTestEnv(t, true)
	if _, err := runConvert(context.Background(), convertOptions{}); err == nil {
		t.Fatal("Expected error converting a missing model")
	}
	if _, err := os.Stat(Cfg.OutputDir); !os.IsNotExist(err) {
		t.Errorf("output dir should not be created, stat err = %v", err)
	}
}

func TestPrintRuns(t *testing.T) {
	var buf bytes.Buffer
	printRuns(&buf, nil)
	if !strings.Contains(buf.String(), "No runs recorded.") {
		t.Errorf("empty output = %q", buf.String())
	}

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	finished := started.Add(1500 * time.Millisecond)
	buf.Reset()
	printRuns(&buf, []store.Run{
		{ID: "0123456789abcdef", Stage: "train", Status: store.StatusSucceeded, StartedAt: started, FinishedAt: &finished, Detail: "ok"},
		{ID: "short", Stage: "extract", Status: store.StatusRunning, StartedAt: started},
	})
	out := buf.String()
	for _, want := range []string{"01234567", "1.5s", "succeeded", "short", "running"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0123456789abcdef") {
		t.Error("run ids should be shortened")
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		if got := confirm(bufio.NewReader(strings.NewReader(tt.input)), &out, "Proceed?"); got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "Proceed? [y/N]: ") {
			t.Errorf("prompt not written: %q", out.String())
		}
	}
}

func TestRunReset(t *testing.T) {
	env := newTestEnv(t, true)
	env.addVideo(t, "left_01.mp4", 2)
	env.addVideo(t, "right_01.mp4", 2)
	ctx := context.Background()
	if _, err := runExtract(ctx, extractTestOptions(), env.deps()); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(Cfg.ModelDir, 0755); err != nil {
		t.Fatal(err)
	}

	// Decline the registry prompt, accept the files prompt
	var out bytes.Buffer
	in := bufio.NewReader(strings.NewReader("n\ny\n"))
	if err := runReset(ctx, in, &out, true, true); err != nil {
		t.Fatal(err)
	}
	if runs, _ := DB.ListRuns(ctx, 10); len(runs) != 1 {
		t.Errorf("declined registry reset still removed runs: %d left", len(runs))
	}
	for _, p := range []string{Cfg.DatasetPath, Cfg.ModelDir} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should be removed, stat err = %v", p, err)
		}
	}
	if _, err := os.Stat(env.videoDir); err != nil {
		t.Errorf("raw videos must survive a reset: %v", err)
	}

	in = bufio.NewReader(strings.NewReader("y\n"))
	if err := runReset(ctx, in, &out, true, false); err != nil {
		t.Fatal(err)
	}
	if runs, _ := DB.ListRuns(ctx, 10); len(runs) != 0 {
		t.Errorf("registry not cleared: %d runs left", len(runs))
	}
}
