// Package tui renders the live task board shown by hive board.
//
// The board polls the task store on a fixed interval and shows every
// current task as a tree under its parent, with the holder of each
// claimed task and the failure reason of failed ones. Keys:
//
//	up/down, j/k   move the selection
//	enter          collapse or expand a parent
//	/              filter by id, description or capability
//	x              send an interrupt to the selected task
//	q, ctrl+c      quit
package tui
