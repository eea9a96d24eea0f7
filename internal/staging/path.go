package staging

import (
	"path/filepath"
	"strings"
)

// ContainerPrefix is the fixed mount point the inference backend container
// sees its staging directory under. The `<staging_root>/gpu<N>` ↔
// `/code/data` convention is a documented contract (spec.md §9), not a
// discoverable fact, so the mapping lives in one first-class, unit-tested
// function pair rather than being inlined at call sites.
const ContainerPrefix = "/code/data"

// ContainerPath maps a host-visible file, already staged under gpuRoot, to
// the path the backend container sees for it.
func ContainerPath(gpuRoot, hostPath string) string {
	rel, err := filepath.Rel(gpuRoot, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(filepath.Join(ContainerPrefix, filepath.Base(hostPath)))
	}
	return filepath.ToSlash(filepath.Join(ContainerPrefix, rel))
}

// HostPath maps a container-visible path reported back by the backend
// (always beginning with ContainerPrefix) to the host file under gpuRoot.
func HostPath(gpuRoot, containerPath string) string {
	rel := strings.TrimPrefix(containerPath, ContainerPrefix)
	rel = strings.TrimPrefix(rel, "/")
	return filepath.Join(gpuRoot, filepath.FromSlash(rel))
}
