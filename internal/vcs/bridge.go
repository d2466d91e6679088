// Package vcs bridges the operation history tree to the sandbox's working
// tree: it captures the current edit as a unified diff and can restore the
// working tree to match any node's recorded diff (spec.md §4.3).
package vcs

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/vsavkov/patchtree/internal/sandbox"
)

// patchPath is the sandbox-side scratch file used to transport a patch
// through base64, grounded on original_source/llm_ide_agent.py's
// _apply_patch.
const patchPath = "/tmp/_vc_patch.diff"

// Bridge drives git inside a sandbox to snapshot and restore working-tree
// state, grounded on original_source/llm_ide_agent.py's
// _get_git_diff/_apply_patch/_sync_version_control and on the teacher's
// gitutil package for command-failure wrapping style.
type Bridge struct {
	sb sandbox.Sandbox
}

// NewBridge returns a Bridge that drives git through sb.
func NewBridge(sb sandbox.Sandbox) *Bridge {
	return &Bridge{sb: sb}
}

// Capture returns the working tree's current diff against HEAD, including
// untracked files (via "git add -N ." before diffing). A non-zero git exit
// status (e.g. outside a repository) is treated as "no diff" rather than an
// error, matching original_source's _get_git_diff.
func (b *Bridge) Capture(ctx context.Context) (string, error) {
	if _, err := b.sb.Execute(ctx, "git add -N .", sandbox.ExecOptions{}); err != nil {
		return "", fmt.Errorf("vcs: git add -N: %w", err)
	}
	res, err := b.sb.Execute(ctx, "git --no-pager diff HEAD", sandbox.ExecOptions{})
	if err != nil {
		return "", fmt.Errorf("vcs: git diff HEAD: %w", err)
	}
	if res.ReturnCode != 0 {
		return "", nil
	}
	return res.Output, nil
}

// SyncTo makes the sandbox's working tree match codeChange: if the current
// diff already equals codeChange it does nothing; otherwise it resets the
// tree to HEAD and, if codeChange is non-empty, applies it (spec.md §4.3).
func (b *Bridge) SyncTo(ctx context.Context, codeChange string) error {
	current, err := b.Capture(ctx)
	if err != nil {
		return err
	}
	if current == codeChange {
		return nil
	}
	if _, err := b.sb.Execute(ctx, "git reset --hard HEAD && git clean -fd", sandbox.ExecOptions{}); err != nil {
		return fmt.Errorf("vcs: reset and clean: %w", err)
	}
	if codeChange == "" {
		return nil
	}
	return b.applyPatch(ctx, codeChange)
}

// applyPatch transports diff through a base64 round trip and applies it
// with git apply, exactly mirroring original_source's _apply_patch command
// sequence (including the trailing best-effort cleanup of the scratch file).
func (b *Bridge) applyPatch(ctx context.Context, diff string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(diff))
	cmd := fmt.Sprintf(
		"printf '%%s' '%s' | base64 -d > %s && git apply --whitespace=nowarn %s ; rm -f %s",
		encoded, patchPath, patchPath, patchPath,
	)
	if _, err := b.sb.Execute(ctx, cmd, sandbox.ExecOptions{}); err != nil {
		return fmt.Errorf("vcs: apply patch: %w", err)
	}
	return nil
}
