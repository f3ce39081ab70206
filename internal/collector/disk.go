// Disk usage collector - gathers per-mount disk usage information.
// Uses gopsutil for cross-platform disk metrics.
package collector

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// ignoredFSTypes are virtual, system and remote filesystems that do not
// represent local storage.
var ignoredFSTypes = map[string]bool{
	"devfs": true, "autofs": true, "nullfs": true, "tmpfs": true,
	"sysfs": true, "proc": true, "procfs": true, "devtmpfs": true,
	"cgroup": true, "cgroup2": true, "overlay": true, "squashfs": true,
	"fuse.snapfuse": true, "nsfs": true, "pstore": true, "debugfs": true,
	"tracefs": true, "securityfs": true, "configfs": true, "fusectl": true,
	"mqueue": true, "hugetlbfs": true, "binfmt_misc": true, "efivarfs": true,
	"bpf": true, "ramfs": true,

	"nfs": true, "nfs4": true, "cifs": true, "smbfs": true,
	"fuse.sshfs": true, "fuse.rclone": true, "9p": true, "afs": true,
	"glusterfs": true, "lustre": true, "ceph": true, "fuse.ceph": true,
	"fuse.s3fs": true, "fuse.gcsfuse": true, "davfs2": true,
}

// systemMountPrefixes are OS-internal mount points (macOS system volumes).
var systemMountPrefixes = []string{
	"/System/Volumes/",
	"/private/var/vm",
}

func skipMount(fstype, mount string) bool {
	if ignoredFSTypes[fstype] {
		return true
	}
	for _, prefix := range systemMountPrefixes {
		if strings.HasPrefix(mount, prefix) {
			return true
		}
	}
	return false
}

// DiskCollector collects disk usage metrics per mount point.
type DiskCollector struct {
	Base
	logger *zap.Logger
}

// NewDiskCollector creates a new disk collector.
func NewDiskCollector(logger *zap.Logger) *DiskCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskCollector{
		Base:   Base{interval: 30 * time.Second},
		logger: logger,
	}
}

// Name returns the collector identifier.
func (c *DiskCollector) Name() string { return "disk" }

// Collect gathers usage for every local partition. Inaccessible
// partitions and partitions reporting zero size are skipped.
func (c *DiskCollector) Collect(ctx context.Context) ([]models.Metric, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		c.record(0, err)
		return nil, err
	}

	var out []models.Metric
	for _, p := range partitions {
		if skipMount(p.Fstype, p.Mountpoint) {
			c.logger.Debug("Skipping pseudo/network filesystem",
				zap.String("mount", p.Mountpoint),
				zap.String("fstype", p.Fstype))
			continue
		}

		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		tags := map[string]string{"mount": p.Mountpoint, "fs": p.Fstype}
		out = append(out,
			models.NewMetric("disk_total_bytes", float64(usage.Total), tags),
			models.NewMetric("disk_used_bytes", float64(usage.Used), tags),
			models.NewMetric("disk_free_bytes", float64(usage.Free), tags),
			models.NewMetric("disk_usage_percent", usage.UsedPercent, tags),
		)
	}

	c.record(len(out), nil)
	return out, nil
}

// IsAvailable returns true - disk metrics are available on all platforms.
func (c *DiskCollector) IsAvailable() bool { return true }

// MetricTypes lists the emitted metric names.
func (c *DiskCollector) MetricTypes() []string {
	return []string{"disk_total_bytes", "disk_used_bytes", "disk_free_bytes", "disk_usage_percent"}
}

// Metadata describes the collector.
func (c *DiskCollector) Metadata() Metadata {
	return Metadata{
		Name:        c.Name(),
		Description: "Per-mount disk usage of local filesystems",
		Category:    CategorySystem,
		Version:     "1.0.0",
	}
}
