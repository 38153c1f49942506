// Package accessreport defines the value types the supervisor uses to
// describe one observed file-system operation made by a child process, and
// the identity of the process that made it.
package accessreport

// Operation tags one observed file-system (or process lifecycle) event.
// The set is closed; new values must be appended, never renumbered, since
// Operation is part of the on-disk serialization format.
type Operation byte

const (
	OpUnknown Operation = iota

	OpCreateFile
	OpOpenFile
	OpReadFile
	OpWriteFile
	OpProbeFile
	OpEnumerateDirectory
	OpEnumerateDirectoryProbe
	OpDeleteFile
	OpRenameSource
	OpRenameDestination
	OpHardlinkSource
	OpHardlinkDestination
	OpSymlinkSource
	OpSymlinkDestination
	OpReparsePointResolve
	OpProcessStart
	OpProcessExit
	OpProcessExec
	OpCreateDirectory
	OpRemoveDirectory
	OpGetFileAttributes
	OpSetFileAttributes
	OpCopyFileSource
	OpCopyFileDestination
	OpChangedReadWriteToReadAccess
	OpFirstAllocationProbe
	OpBreakaway
	OpDetoursFailure

	opSentinelCount
)

var operationNames = [opSentinelCount]string{
	OpUnknown:                      "Unknown",
	OpCreateFile:                   "CreateFile",
	OpOpenFile:                     "OpenFile",
	OpReadFile:                     "ReadFile",
	OpWriteFile:                    "WriteFile",
	OpProbeFile:                    "ProbeFile",
	OpEnumerateDirectory:           "EnumerateDirectory",
	OpEnumerateDirectoryProbe:      "EnumerateDirectoryProbe",
	OpDeleteFile:                   "DeleteFile",
	OpRenameSource:                 "RenameSource",
	OpRenameDestination:            "RenameDestination",
	OpHardlinkSource:               "HardlinkSource",
	OpHardlinkDestination:          "HardlinkDestination",
	OpSymlinkSource:                "SymlinkSource",
	OpSymlinkDestination:           "SymlinkDestination",
	OpReparsePointResolve:          "ReparsePointResolve",
	OpProcessStart:                 "ProcessStart",
	OpProcessExit:                  "ProcessExit",
	OpProcessExec:                  "ProcessExec",
	OpCreateDirectory:              "CreateDirectory",
	OpRemoveDirectory:              "RemoveDirectory",
	OpGetFileAttributes:            "GetFileAttributes",
	OpSetFileAttributes:            "SetFileAttributes",
	OpCopyFileSource:               "CopyFileSource",
	OpCopyFileDestination:          "CopyFileDestination",
	OpChangedReadWriteToReadAccess: "ChangedReadWriteToReadAccess",
	OpFirstAllocationProbe:         "FirstAllocationProbe",
	OpBreakaway:                    "Breakaway",
	OpDetoursFailure:               "DetoursFailure",
}

func (o Operation) String() string {
	if o < opSentinelCount {
		if n := operationNames[o]; n != "" {
			return n
		}
	}
	return "Operation(?)"
}

// Valid reports whether o is a member of the closed operation set.
func (o Operation) Valid() bool { return o < opSentinelCount }

// classification describes the implicit read/write/probe nature an
// operation tag carries, per spec §3.
type classification uint8

const (
	classNone classification = 0
	classRead classification = 1 << iota
	classWrite
	classProbe
)

var operationClass = [opSentinelCount]classification{
	OpCreateFile:                   classWrite,
	OpOpenFile:                     classProbe,
	OpReadFile:                     classRead,
	OpWriteFile:                    classWrite,
	OpProbeFile:                    classProbe,
	OpEnumerateDirectory:           classRead,
	OpEnumerateDirectoryProbe:      classProbe,
	OpDeleteFile:                   classWrite,
	OpRenameSource:                 classWrite,
	OpRenameDestination:            classWrite,
	OpHardlinkSource:               classRead,
	OpHardlinkDestination:          classWrite,
	OpSymlinkSource:                classRead,
	OpSymlinkDestination:           classWrite,
	OpReparsePointResolve:          classProbe,
	OpProcessStart:                 classNone,
	OpProcessExit:                  classNone,
	OpProcessExec:                  classProbe,
	OpCreateDirectory:              classWrite,
	OpRemoveDirectory:              classWrite,
	OpGetFileAttributes:            classProbe,
	OpSetFileAttributes:            classWrite,
	OpCopyFileSource:               classRead,
	OpCopyFileDestination:          classWrite,
	OpChangedReadWriteToReadAccess: classNone,
	OpFirstAllocationProbe:         classProbe,
	OpBreakaway:                    classNone,
	OpDetoursFailure:               classNone,
}

// IsWrite reports whether the operation tag implicitly mutates the file
// system (independent of the reported RequestedAccess bits).
func (o Operation) IsWrite() bool { return o.classOf()&classWrite != 0 }

// IsRead reports whether the operation tag implicitly reads file content.
func (o Operation) IsRead() bool { return o.classOf()&classRead != 0 }

// IsProbe reports whether the operation tag implicitly only probes
// existence/metadata.
func (o Operation) IsProbe() bool { return o.classOf()&classProbe != 0 }

func (o Operation) classOf() classification {
	if o < opSentinelCount {
		return operationClass[o]
	}
	return classNone
}
