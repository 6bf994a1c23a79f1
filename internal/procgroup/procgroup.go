// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package procgroup runs stage subprocesses as process group leaders so the
// whole child tree can be terminated at once. A stage binary that forks
// helpers must not leave orphans behind when its deadline hits.
package procgroup
