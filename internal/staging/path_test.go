package staging

import "testing"

func TestContainerPath(t *testing.T) {
	gpuRoot := "/data/gpu0"
	hostPath := "/data/gpu0/task1_video.mp4"

	got := ContainerPath(gpuRoot, hostPath)
	want := "/code/data/task1_video.mp4"
	if got != want {
		t.Errorf("ContainerPath() = %q, want %q", got, want)
	}
}

func TestContainerPath_OutsideRootFallsBackToBasename(t *testing.T) {
	got := ContainerPath("/data/gpu0", "/elsewhere/video.mp4")
	want := "/code/data/video.mp4"
	if got != want {
		t.Errorf("ContainerPath() = %q, want %q", got, want)
	}
}

func TestHostPath(t *testing.T) {
	gpuRoot := "/data/gpu0"
	containerPath := "/code/data/task1_video.mp4"

	got := HostPath(gpuRoot, containerPath)
	want := "/data/gpu0/task1_video.mp4"
	if got != want {
		t.Errorf("HostPath() = %q, want %q", got, want)
	}
}

func TestContainerPath_HostPath_RoundTrip(t *testing.T) {
	gpuRoot := "/data/gpu0"
	hostPath := "/data/gpu0/sub/task1_video.mp4"

	container := ContainerPath(gpuRoot, hostPath)
	back := HostPath(gpuRoot, container)
	if back != hostPath {
		t.Errorf("round trip mismatch: got %q, want %q", back, hostPath)
	}
}
