package supervisor

import (
	"strconv"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// BuildLlamaArgs renders llama-server flags for a backend.
func BuildLlamaArgs(b common.BackendConfig) []string {
	args := []string{"-m", b.ModelPath}
	if b.MMProjPath != "" {
		args = append(args, "--mmproj", b.MMProjPath)
	}
	args = append(args,
		"--host", b.Host,
		"--port", strconv.Itoa(b.Port),
		"-c", strconv.Itoa(b.CtxSize),
	)
	if b.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(b.Threads))
	}
	if b.GPULayers > 0 {
		args = append(args, "-ngl", strconv.Itoa(b.GPULayers))
	}
	if b.BatchSize > 0 {
		args = append(args, "-b", strconv.Itoa(b.BatchSize))
	}
	if b.Parallel > 0 {
		args = append(args, "-np", strconv.Itoa(b.Parallel))
	}
	if b.Seed != 0 {
		args = append(args, "--seed", strconv.Itoa(b.Seed))
	}
	if b.RopeFreqBase > 0 {
		args = append(args, "--rope-freq-base", strconv.FormatFloat(float64(b.RopeFreqBase), 'f', -1, 32))
	}
	if b.RopeFreqScale > 0 {
		args = append(args, "--rope-freq-scale", strconv.FormatFloat(float64(b.RopeFreqScale), 'f', -1, 32))
	}
	if b.Jinja {
		args = append(args, "--jinja")
	} else {
		args = append(args, "--no-jinja")
	}
	if b.CachePrompt {
		args = append(args, "--cache-prompt")
	} else {
		args = append(args, "--no-cache-prompt")
	}
	if b.FlashAttn {
		args = append(args, "--flash-attn", "on")
	} else {
		args = append(args, "--flash-attn", "off")
	}
	return args
}

// ConfigFromBackend derives a supervisor Config from backend settings.
func ConfigFromBackend(name string, b common.BackendConfig) Config {
	return Config{
		Name:           name,
		Executable:     b.Executable,
		Args:           BuildLlamaArgs(b),
		ModelPath:      b.ModelPath,
		MMProjPath:     b.MMProjPath,
		BaseURL:        b.BaseURL(),
		HealthInterval: b.HealthInterval,
		StartupTimeout: b.StartupTimeout,
		StopTimeout:    b.StopTimeout,
	}
}
