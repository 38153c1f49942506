package dumper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTreeNode_Identifier(t *testing.T) {
	n := treeNode{info: procInfo{PID: 42, Name: "cc1"}, path: []int{1, 2, 3}}
	assert.Equal(t, "1_2_3_cc1", n.identifier())

	root := treeNode{info: procInfo{PID: 1, Name: "clang"}, path: []int{1}}
	assert.Equal(t, "1_clang", root.identifier())
}

func TestTryDumpTree_UnreachableRootWrapsSentinel(t *testing.T) {
	_, err := TryDumpTree(context.Background(), 1<<30, t.TempDir(), 0, nil, nil, false)
	assert.ErrorIs(t, err, ErrRootUnreachable)
}
