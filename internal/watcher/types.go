// Package watcher polls the upstream remote and turns movements of the target
// and topic references into change events.
package watcher

import "github.com/go-git/go-git/v5/plumbing"

// Role distinguishes the target branch from topic branches.
type Role string

// Branch roles.
const (
	RoleTopic  Role = "topic"
	RoleTarget Role = "target"
)

// BranchReference is a watched reference as of the latest poll.
type BranchReference struct {
	Name   plumbing.ReferenceName
	Role   Role
	Commit plumbing.Hash
}

// ChangeKind describes how a reference moved between two polls.
type ChangeKind string

// Change kinds.
const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// ChangeEvent reports one reference movement. PreviousCommit is zero for
// ChangeAdded and CurrentCommit is zero for ChangeRemoved.
type ChangeEvent struct {
	Kind           ChangeKind
	Reference      plumbing.ReferenceName
	Role           Role
	PreviousCommit plumbing.Hash
	CurrentCommit  plumbing.Hash
}
