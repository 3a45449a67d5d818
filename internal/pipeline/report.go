package pipeline

import (
	"time"

	"github.com/pluginregistry/server/internal/domain"
)

// Report records every repository's outcome for one pipeline run
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Sync       []domain.SyncResult
	Build      []domain.BuildResult
	Collect    []domain.CollectResult
}

// Failure is one repository excluded from a run
type Failure struct {
	Stage string
	Repo  domain.SourceRepository
	Err   error
}

// Count returns how many repositories completed the given stage
func (r *Report) Count(stage string) int {
	n := 0
	switch stage {
	case StageSync:
		for _, res := range r.Sync {
			if res.OK() {
				n++
			}
		}
	case StageBuild:
		for _, res := range r.Build {
			if res.OK() {
				n++
			}
		}
	case StageCollect:
		for _, res := range r.Collect {
			if res.OK() {
				n++
			}
		}
	}
	return n
}

// Skipped returns how many synced repositories had no build descriptor
func (r *Report) Skipped() int {
	n := 0
	for _, res := range r.Build {
		if res.Skipped {
			n++
		}
	}
	return n
}

// Failures lists the repositories excluded from the run, in stage order
func (r *Report) Failures() []Failure {
	var out []Failure
	for _, res := range r.Sync {
		if res.Err != nil {
			out = append(out, Failure{Stage: StageSync, Repo: res.Repo, Err: res.Err})
		}
	}
	for _, res := range r.Build {
		if res.Err != nil {
			out = append(out, Failure{Stage: StageBuild, Repo: res.Repo, Err: res.Err})
		}
	}
	for _, res := range r.Collect {
		if res.Err != nil {
			out = append(out, Failure{Stage: StageCollect, Repo: res.Repo, Err: res.Err})
		}
	}
	return out
}

// Sources maps each collected plugin folder to the repository URL it came from
func (r *Report) Sources() map[string]string {
	out := make(map[string]string)
	for _, res := range r.Collect {
		if res.OK() {
			out[res.Plugin] = res.Repo.URL
		}
	}
	return out
}

// Duration is how long the run took
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
