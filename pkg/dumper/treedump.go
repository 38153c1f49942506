package dumper

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/pipsandbox/supervisor/pkg/jobcontainer"
)

// DefaultMaxDepth and DefaultSkipNames are the tree-dump defaults from
// spec §4.E.
const DefaultMaxDepth = 20

// DefaultSkipNames lists image names the dump walk never attempts to
// capture — certain OS helpers produce partial-copy errors under ptrace.
var DefaultSkipNames = map[string]bool{"conhost": true}

// treeNode is one entry discovered during the walk, carrying the ordinal
// identifier chain used for its dump file name.
type treeNode struct {
	info procInfo
	path []int // ordinal chain, e.g. [1, 2] for "1_2"
}

func (n treeNode) identifier() string {
	s := fmt.Sprint(n.path[0])
	for _, p := range n.path[1:] {
		s += fmt.Sprintf("_%d", p)
	}
	return s + "_" + n.info.Name
}

// TryDumpTree enumerates root and its descendants and attempts a dump of
// each, skipping processes whose start time is after initiation (pid-reuse
// guard, P5) or whose image name is skip-listed. Per-target failures are
// recorded but do not abort the walk; success is false iff any target
// failed. If container is non-nil, it is used for the exact live pid set
// (the preferred enumeration strategy); otherwise the walk falls back to
// scanning /proc by parent id.
// The returned error, when non-nil, is a multierr aggregate of every
// per-target dump failure; use multierr.Errors(err)[0] to recover the
// first exception, as spec §4.E's contract names specifically.
func TryDumpTree(ctx context.Context, rootPID int32, directory string, maxDepth int, skipNames map[string]bool, container *jobcontainer.JobContainer, compress bool) (success bool, err error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if skipNames == nil {
		skipNames = DefaultSkipNames
	}

	initiatedAt := time.Now()

	rootInfo, err := readProcInfo(rootPID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRootUnreachable, err)
	}

	nodes := []treeNode{{info: rootInfo, path: []int{1}}}
	if container != nil {
		nodes = append(nodes, enumerateViaContainer(container, rootPID, initiatedAt)...)
	} else {
		nodes = append(nodes, enumerateViaProcfs(rootInfo, []int{1}, maxDepth, initiatedAt)...)
	}

	success = true
	for _, n := range nodes {
		if skipNames[n.info.Name] {
			continue
		}
		if n.info.StartTime.After(initiatedAt) {
			continue // pid-reuse guard: this pid postdates the walk
		}

		dumpPath := filepath.Join(directory, n.identifier()+".dmp")
		if dumpErr := TryDump(ctx, n.info.PID, dumpPath, compress); dumpErr != nil {
			success = false
			err = multierr.Append(err, fmt.Errorf("pid %d (%s): %w", n.info.PID, n.info.Name, dumpErr))
		}
	}

	return success, err
}

// enumerateViaProcfs walks the process table by parent id, numbering
// children in discovery order to build the "n_m_name" ordinal chains.
func enumerateViaProcfs(parent procInfo, parentPath []int, maxDepth int, initiatedAt time.Time) []treeNode {
	if maxDepth <= 0 {
		return nil
	}
	children, err := childrenOf(parent.PID)
	if err != nil {
		return nil
	}

	var out []treeNode
	for i, child := range children {
		childPath := append(append([]int{}, parentPath...), i+1)
		out = append(out, treeNode{info: child, path: childPath})
		out = append(out, enumerateViaProcfs(child, childPath, maxDepth-1, initiatedAt)...)
	}
	return out
}

// enumerateViaContainer uses the job container's exact live-pid set instead
// of walking /proc, then reconstructs the ordinal tree from the parent-id
// relationships among just those pids (the preferred strategy per spec
// §4.E: "queries a job container for the exact live pid set").
func enumerateViaContainer(container *jobcontainer.JobContainer, rootPID int32, initiatedAt time.Time) []treeNode {
	pids, err := container.EnumeratePIDs()
	if err != nil {
		return nil
	}

	infos := make(map[int32]procInfo, len(pids))
	for _, pid := range pids {
		if pid == rootPID {
			continue
		}
		info, err := readProcInfo(pid)
		if err != nil {
			continue
		}
		infos[pid] = info
	}

	byParent := make(map[int32][]procInfo)
	for _, info := range infos {
		byParent[info.PPID] = append(byParent[info.PPID], info)
	}

	var walk func(parentPID int32, parentPath []int) []treeNode
	walk = func(parentPID int32, parentPath []int) []treeNode {
		var out []treeNode
		for i, child := range byParent[parentPID] {
			childPath := append(append([]int{}, parentPath...), i+1)
			out = append(out, treeNode{info: child, path: childPath})
			out = append(out, walk(child.PID, childPath)...)
		}
		return out
	}
	return walk(rootPID, []int{1})
}
