package modelbuilder

import (
	"testing"
	"time"

	"github.com/d4l3k/messagediff"

	"github.com/rccypher/rapidcopy/internal/downloader"
	"github.com/rccypher/rapidcopy/internal/extractor"
	"github.com/rccypher/rapidcopy/internal/model"
)

func find(t *testing.T, files []*model.ModelFile, key model.Key) *model.ModelFile {
	t.Helper()
	for _, f := range files {
		if f.Name == key.Name && f.PairID == key.PairID {
			return f
		}
	}
	t.Fatalf("no file %+v in %d files", key, len(files))
	return nil
}

func TestStateDerivation(t *testing.T) {
	cases := []struct {
		name       string
		remote     *model.SystemFile
		local      *model.SystemFile
		job        *downloader.Status
		extracting bool
		downloaded bool
		extracted  bool
		want       model.State
	}{
		{
			name:   "remote only",
			remote: &model.SystemFile{Name: "f", Size: 100},
			want:   model.Default,
		},
		{
			name:   "running job",
			remote: &model.SystemFile{Name: "f", Size: 100},
			job:    &downloader.Status{Name: "f", State: downloader.JobRunning, DownloadedSize: 50, SpeedBPS: 10, ETA: 5 * time.Second},
			want:   model.Downloading,
		},
		{
			name:   "queued job",
			remote: &model.SystemFile{Name: "f", Size: 100},
			job:    &downloader.Status{Name: "f", State: downloader.JobQueued},
			want:   model.Queued,
		},
		{
			name:   "finished job",
			remote: &model.SystemFile{Name: "f", Size: 100},
			local:  &model.SystemFile{Name: "f", Size: 100},
			job:    &downloader.Status{Name: "f", State: downloader.JobFinished},
			want:   model.Downloaded,
		},
		{
			name:       "extracting",
			local:      &model.SystemFile{Name: "f", Size: 100},
			extracting: true,
			want:       model.Extracting,
		},
		{
			name:      "extracted and present",
			local:     &model.SystemFile{Name: "f", Size: 100},
			extracted: true,
			want:      model.Extracted,
		},
		{
			name:       "downloaded sizes match",
			remote:     &model.SystemFile{Name: "f", Size: 100},
			local:      &model.SystemFile{Name: "f", Size: 100},
			downloaded: true,
			want:       model.Downloaded,
		},
		{
			name:       "downloaded sizes differ",
			remote:     &model.SystemFile{Name: "f", Size: 100},
			local:      &model.SystemFile{Name: "f", Size: 60},
			downloaded: true,
			want:       model.Default,
		},
		{
			name:       "downloaded but locally gone",
			remote:     &model.SystemFile{Name: "f", Size: 100},
			downloaded: true,
			want:       model.Deleted,
		},
		{
			name:  "local only",
			local: &model.SystemFile{Name: "f", Size: 100},
			want:  model.Default,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := New()
			if tc.remote != nil {
				b.SetRemoteFiles([]model.SystemFile{*tc.remote})
			} else {
				b.SetRemoteFiles(nil)
			}
			if tc.local != nil {
				b.SetLocalFiles([]model.SystemFile{*tc.local})
			} else {
				b.SetLocalFiles(nil)
			}
			if tc.job != nil {
				b.SetDownloaderStatuses([]downloader.Status{*tc.job})
			}
			if tc.extracting {
				b.SetExtractStatuses([]extractor.Status{{Name: "f", State: extractor.Extracting}})
			}
			if tc.downloaded {
				b.SetDownloadedFiles([]string{"f"})
			}
			if tc.extracted {
				b.SetExtractedFiles([]string{"f"})
			}

			files := b.Build()
			f := find(t, files, model.Key{Name: "f"})
			if f.State != tc.want {
				t.Errorf("state = %s, want %s", f.State, tc.want)
			}
		})
	}
}

func TestDownloadingCarriesProgress(t *testing.T) {
	b := New()
	b.SetRemoteFiles([]model.SystemFile{{Name: "f", Size: 100}})
	b.SetDownloaderStatuses([]downloader.Status{{
		Name: "f", State: downloader.JobRunning,
		DownloadedSize: 40, SpeedBPS: 1000, ETA: 60 * time.Second,
	}})

	f := find(t, b.Build(), model.Key{Name: "f"})
	if f.TransferredSize != 40 || f.DownloadingSpeed != 1000 || f.ETA != 60*time.Second {
		t.Errorf("progress: %+v", f)
	}
}

func TestModelCoverage(t *testing.T) {
	// Every name in remote, local or the downloaded set appears exactly
	// once.
	b := New()
	b.SetRemoteFiles([]model.SystemFile{{Name: "both", Size: 1}, {Name: "remote-only", Size: 2}})
	b.SetLocalFiles([]model.SystemFile{{Name: "both", Size: 1}, {Name: "local-only", Size: 3}})
	b.SetDownloadedFiles([]string{"both", "ghost"})

	files := b.Build()
	counts := map[string]int{}
	for _, f := range files {
		counts[f.Name]++
	}
	for _, name := range []string{"both", "remote-only", "local-only", "ghost"} {
		if counts[name] != 1 {
			t.Errorf("%s appears %d times", name, counts[name])
		}
	}
	if len(files) != 4 {
		t.Errorf("total files = %d", len(files))
	}
	if f := find(t, files, model.Key{Name: "ghost"}); f.State != model.Deleted {
		t.Errorf("ghost state = %s", f.State)
	}
}

func TestMultiPairSameName(t *testing.T) {
	b := New()
	b.SetRemoteFiles([]model.SystemFile{
		{Name: "show.mkv", Size: 1000, PairID: "p1", PairName: "one"},
		{Name: "show.mkv", Size: 2000, PairID: "p2", PairName: "two"},
	})
	b.SetLocalFiles(nil)

	files := b.Build()
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2 distinct pair entries", len(files))
	}
	f1 := find(t, files, model.Key{PairID: "p1", Name: "show.mkv"})
	f2 := find(t, files, model.Key{PairID: "p2", Name: "show.mkv"})
	if f1.RemoteSize != 1000 || f2.RemoteSize != 2000 {
		t.Errorf("sizes: %d, %d", f1.RemoteSize, f2.RemoteSize)
	}
	if f1.PairName != "one" || f2.PairName != "two" {
		t.Errorf("pair names: %q, %q", f1.PairName, f2.PairName)
	}
}

func TestActiveScanOverridesLocalSize(t *testing.T) {
	b := New()
	b.SetRemoteFiles([]model.SystemFile{{Name: "f", Size: 1000}})
	b.SetLocalFiles([]model.SystemFile{{Name: "f", Size: 100}})
	b.SetActiveFiles([]model.SystemFile{{Name: "f", Size: 700}})

	f := find(t, b.Build(), model.Key{Name: "f"})
	if f.LocalSize != 700 {
		t.Errorf("local size = %d, want active scan's 700", f.LocalSize)
	}
}

func TestExtractableDetection(t *testing.T) {
	b := New()
	b.SetRemoteFiles([]model.SystemFile{
		{Name: "archive.rar", Size: 10},
		{Name: "plain.mkv", Size: 10},
		{Name: "bundle", Size: 10, IsDir: true, Children: []model.SystemFile{
			{Name: "part1.rar", Size: 10},
		}},
	})
	b.SetLocalFiles(nil)
	files := b.Build()

	if f := find(t, files, model.Key{Name: "archive.rar"}); !f.IsExtractable {
		t.Error("archive.rar not extractable")
	}
	if f := find(t, files, model.Key{Name: "plain.mkv"}); f.IsExtractable {
		t.Error("plain.mkv extractable")
	}
	if f := find(t, files, model.Key{Name: "bundle"}); !f.IsExtractable {
		t.Error("dir with archive child not extractable")
	}
}

func TestChildrenMerged(t *testing.T) {
	b := New()
	b.SetRemoteFiles([]model.SystemFile{{
		Name: "season", Size: 30, IsDir: true,
		Children: []model.SystemFile{
			{Name: "ep1.mkv", Size: 10},
			{Name: "ep2.mkv", Size: 20},
		},
	}})
	b.SetLocalFiles([]model.SystemFile{{
		Name: "season", Size: 10, IsDir: true,
		Children: []model.SystemFile{
			{Name: "ep1.mkv", Size: 10},
		},
	}})

	f := find(t, b.Build(), model.Key{Name: "season"})
	want := []model.ModelFile{
		{Name: "ep1.mkv", RemoteSize: 10, LocalSize: 10},
		{Name: "ep2.mkv", RemoteSize: 20},
	}
	if diff, equal := messagediff.PrettyDiff(want, f.Children); !equal {
		t.Errorf("children mismatch:\n%s", diff)
	}
}

func TestRebuildIsStable(t *testing.T) {
	b := New()
	b.SetRemoteFiles([]model.SystemFile{{Name: "f", Size: 100}})
	b.SetLocalFiles([]model.SystemFile{{Name: "f", Size: 100}})
	b.SetDownloadedFiles([]string{"f"})

	first := b.Build()
	if b.HasChanges() {
		t.Error("dirty after build")
	}
	second := b.Build()
	if len(first) != len(second) || !first[0].Equal(second[0]) {
		diff, _ := messagediff.PrettyDiff(first[0], second[0])
		t.Errorf("rebuild differs:\n%s", diff)
	}
}
