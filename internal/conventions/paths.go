package conventions

import (
	"path/filepath"
	"strings"
)

const (
	// DefaultDataDir is the default codeclaw data directory name (relative to home).
	DefaultDataDir = ".codeclaw"
	// GroupsDir is the subdirectory holding one persistent working directory per thread.
	GroupsDir = "groups"
	// SessionsDir is the subdirectory holding the agent session state per thread.
	SessionsDir = "sessions"
	// IPCDir is the subdirectory holding one mailbox per thread.
	IPCDir = "ipc"
	// InboxDir is the spool directory for inbound events.
	InboxDir = "inbox"
	// OutboxDir is the spool directory for outbound messages.
	OutboxDir = "outbox"
	// ErrorsDir is the subdirectory where malformed spool and mailbox files are moved.
	ErrorsDir = "errors"
	// LogsDir is the per thread subdirectory for container run logs.
	LogsDir = "logs"
	// DBFile is the sqlite database filename.
	DBFile = "codeclaw.db"
	// ConfigFile is the optional YAML configuration filename.
	ConfigFile = "config.yaml"
	// AllowlistFile is the default mount allowlist filename.
	AllowlistFile = "mount-allowlist.yaml"
	// GlobalDir is the shared memory directory name under the groups directory.
	GlobalDir = "global"

	// Mailbox layout.

	// IPCRequestsDir is where the container writes requests.
	IPCRequestsDir = "requests"
	// IPCResponsesDir is where the host writes responses.
	IPCResponsesDir = "responses"

	// Container paths.

	// ContainerThreadDir is the working directory of the container.
	ContainerThreadDir = "/workspace/group"
	// ContainerGroupsDir is where the main thread gets every thread directory.
	ContainerGroupsDir = "/workspace/groups"
	// ContainerGlobalDir is where non main threads get the global memory (read-only).
	ContainerGlobalDir = "/workspace/global"
	// ContainerSessionDir is where the agent keeps its session state.
	ContainerSessionDir = "/home/agent/.claude"
	// ContainerIPCDir is the mailbox inside the container.
	ContainerIPCDir = "/workspace/ipc"
	// ContainerExtraDir is the parent of the additional mounts.
	ContainerExtraDir = "/workspace/extra"

	// Container labels.

	// LabelManaged marks containers created by codeclaw.
	LabelManaged = "dev.codeclaw.managed"
	// LabelThreadID is the thread of the container.
	LabelThreadID = "dev.codeclaw.thread-id"
	// LabelJobID is the job of the container.
	LabelJobID = "dev.codeclaw.job-id"
)

// GroupsRoot returns the directory that holds every thread directory.
func GroupsRoot(dataDir string) string {
	return filepath.Join(dataDir, GroupsDir)
}

// ThreadDir returns the persistent working directory of a thread.
func ThreadDir(dataDir, threadID string) string {
	return filepath.Join(GroupsRoot(dataDir), threadID)
}

// GlobalMemoryDir returns the shared global memory directory.
func GlobalMemoryDir(dataDir string) string {
	return filepath.Join(GroupsRoot(dataDir), GlobalDir)
}

// ThreadLogsDir returns the directory for the container run logs of a thread.
func ThreadLogsDir(dataDir, threadID string) string {
	return filepath.Join(ThreadDir(dataDir, threadID), LogsDir)
}

// SessionDir returns the agent session directory of a thread.
func SessionDir(dataDir, threadID string) string {
	return filepath.Join(dataDir, SessionsDir, threadID)
}

// ThreadIPCDir returns the mailbox directory of a thread.
func ThreadIPCDir(dataDir, threadID string) string {
	return filepath.Join(dataDir, IPCDir, threadID)
}

// InboxPath returns the inbound spool directory.
func InboxPath(dataDir string) string {
	return filepath.Join(dataDir, InboxDir)
}

// OutboxPath returns the outbound spool directory.
func OutboxPath(dataDir string) string {
	return filepath.Join(dataDir, OutboxDir)
}

// DBPath returns the sqlite database path.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFile)
}

// ContainerName returns the docker container name for a job.
func ContainerName(threadID, jobID string) string {
	return "codeclaw-" + strings.ToLower(threadID) + "-" + strings.ToLower(jobID)
}

// ExtraMountPath returns the container path of an additional mount.
func ExtraMountPath(name string) string {
	return ContainerExtraDir + "/" + name
}
