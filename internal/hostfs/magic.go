package hostfs

import "fmt"

// Magic is a filesystem type as reported in statfs(2).
type Magic uint64

// Filesystem types, from linux/magic.h.
const (
	MagicAFS       Magic = 0x5346414f
	MagicAutofs    Magic = 0x0187
	MagicBtrfs     Magic = 0x9123683e
	MagicCeph      Magic = 0x00c36400
	MagicCIFS      Magic = 0xff534d42
	MagicExt       Magic = 0xef53
	MagicFUSE      Magic = 0x65735546
	MagicMSDOS     Magic = 0x4d44
	MagicNFS       Magic = 0x6969
	MagicOverlayFS Magic = 0x794c7630
	MagicProc      Magic = 0x9fa0
	MagicSMB       Magic = 0x517b
	MagicSMB2      Magic = 0xfe534d42
	MagicSysfs     Magic = 0x62656572
	MagicTmpfs     Magic = 0x01021994
	MagicV9FS      Magic = 0x01021997
	MagicXFS       Magic = 0x58465342
)

var magicNames = map[Magic]string{
	MagicAFS:       "afs",
	MagicAutofs:    "autofs",
	MagicBtrfs:     "btrfs",
	MagicCeph:      "ceph",
	MagicCIFS:      "cifs",
	MagicExt:       "ext4",
	MagicFUSE:      "fuse",
	MagicMSDOS:     "vfat",
	MagicNFS:       "nfs",
	MagicOverlayFS: "overlay",
	MagicProc:      "proc",
	MagicSMB:       "smb",
	MagicSMB2:      "smb2",
	MagicSysfs:     "sysfs",
	MagicTmpfs:     "tmpfs",
	MagicV9FS:      "9p",
	MagicXFS:       "xfs",
}

func (m Magic) String() string {
	if name, ok := magicNames[m]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", uint64(m))
}

// Remote reports whether m is a network filesystem whose entries may change
// without the local host noticing. Entries on remote filesystems must be
// revalidated on access.
func (m Magic) Remote() bool {
	switch m {
	case MagicNFS, MagicSMB, MagicSMB2, MagicCIFS, MagicV9FS, MagicFUSE, MagicCeph, MagicAFS:
		return true
	}
	return false
}

// Weird reports whether m is a filesystem that can't take part in a layer
// stack: automount points, case-insensitive names, or synthetic kernel
// filesystems.
func (m Magic) Weird() bool {
	switch m {
	case MagicAutofs, MagicMSDOS, MagicProc, MagicSysfs:
		return true
	}
	return false
}
