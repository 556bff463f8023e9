package cluster

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DefaultImage is used when a definition does not pin a job image.
const DefaultImage = "alpine:latest"

// DockerRunner runs each stage as a short-lived container against the local
// docker daemon.
type DockerRunner struct {
	cli *client.Client
}

// NewDockerRunner connects to the daemon from the environment. An unreachable
// daemon yields ErrUnconfigured so callers can degrade instead of failing.
func NewDockerRunner(ctx context.Context) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnconfigured, err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnconfigured, err)
	}
	return &DockerRunner{cli: cli}, nil
}

// Close releases the daemon connection.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Submit runs the job's stages sequentially, one container per stage, and
// streams each outcome. The stream stops after the first failed stage.
func (r *DockerRunner) Submit(ctx context.Context, spec JobSpec) (<-chan StageResult, error) {
	if _, err := r.cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnconfigured, err)
	}

	results := make(chan StageResult)
	go func() {
		defer close(results)
		for _, stage := range spec.Stages {
			res := r.runStage(ctx, spec, stage)
			select {
			case results <- res:
			case <-ctx.Done():
				return
			}
			if !res.Success {
				return
			}
		}
	}()
	return results, nil
}

func (r *DockerRunner) runStage(ctx context.Context, spec JobSpec, stage JobStage) StageResult {
	res := StageResult{StageName: stage.Name}

	script := strings.Join(stage.Commands, " && ")
	if script == "" {
		script = fmt.Sprintf("echo %q", "stage "+stage.Name)
	}
	image := spec.Image
	if image == "" {
		image = DefaultImage
	}

	var env []string
	for k, v := range spec.Environment {
		env = append(env, k+"="+v)
	}

	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   []string{"/bin/sh", "-c", script},
		Env:   env,
		Labels: map[string]string{
			"conveyor.run_id": spec.RunID,
			"conveyor.stage":  stage.Name,
		},
	}, nil, nil, nil, "")
	if err != nil {
		res.ErrorMsg = fmt.Sprintf("create container: %v", err)
		return res
	}
	id := created.ID
	defer r.cli.ContainerRemove(context.Background(), id, types.ContainerRemoveOptions{Force: true})

	if err := r.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		res.ErrorMsg = fmt.Sprintf("start container: %v", err)
		return res
	}

	var exitCode int64
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			res.ErrorMsg = fmt.Sprintf("wait for container: %v", err)
			return res
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		res.ErrorMsg = ctx.Err().Error()
		return res
	}

	logs, err := r.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err == nil {
		var stdout, stderr bytes.Buffer
		_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)
		logs.Close()
		res.Output = strings.TrimRight(stdout.String()+stderr.String(), "\n")
	}

	if exitCode != 0 {
		res.ErrorMsg = fmt.Sprintf("stage %q exited with code %d", stage.Name, exitCode)
		return res
	}
	res.Success = true
	return res
}
