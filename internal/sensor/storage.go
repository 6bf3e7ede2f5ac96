package sensor

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/nholik/host-sentinel/internal/probe"
	"github.com/nholik/host-sentinel/internal/snapshot"
	"github.com/nholik/host-sentinel/internal/units"
)

const (
	physicalDiskScript = `Get-PhysicalDisk | Select-Object FriendlyName,Model,Size | ConvertTo-Csv -NoTypeInformation`
	sectorSize         = 512
	usageConcurrency   = 4
)

// virtualBlockPrefixes name kernel block devices that are not physical drives.
var virtualBlockPrefixes = []string{"loop", "ram", "zram", "fd", "sr", "dm-", "md", "nbd"}

// StorageProbe reports physical drives and mounted partitions.
type StorageProbe struct {
	opts       Options
	drives     *probe.Chain[[]snapshot.Drive]
	partitions *probe.Chain[[]snapshot.Partition]
}

// NewStorage builds the storage probe.
func NewStorage(opts Options) *StorageProbe {
	p := &StorageProbe{opts: opts.withDefaults()}
	goos := p.opts.GOOS

	p.drives = probe.NewChain("storage/drives",
		platformStage(goos, probe.Stage[[]snapshot.Drive]{Name: "sysfs-block", Timeout: 200 * time.Millisecond, Run: p.sysfsDrives, Accept: acceptDrives}, "linux"),
		platformStage(goos, probe.Stage[[]snapshot.Drive]{Name: "lsblk", Timeout: time.Second, Run: p.lsblkDrives, Accept: acceptDrives}, "linux"),
		platformStage(goos, probe.Stage[[]snapshot.Drive]{Name: "physical-disk", Timeout: 2 * time.Second, Run: p.physicalDisks, Accept: acceptDrives}, "windows"),
	)
	p.partitions = probe.NewChain("storage/partitions",
		probe.Stage[[]snapshot.Partition]{Name: "gopsutil", Timeout: time.Second, Run: gopsutilPartitions, Accept: acceptPartitions, Partial: true},
		platformStage(goos, probe.Stage[[]snapshot.Partition]{Name: "df", Timeout: time.Second, Run: p.dfPartitions, Accept: acceptPartitions}, "linux", "darwin", "freebsd"),
	)
	return p
}

// Domain implements collector.Probe.
func (p *StorageProbe) Domain() snapshot.Domain {
	return snapshot.DomainStorage
}

// Collect runs the drive and partition chains concurrently.
func (p *StorageProbe) Collect(ctx context.Context) (snapshot.Section, snapshot.Status) {
	var (
		drives     probe.Outcome[[]snapshot.Drive]
		partitions probe.Outcome[[]snapshot.Partition]
	)
	var group errgroup.Group
	group.Go(func() error { drives = p.drives.Run(ctx); return nil })
	group.Go(func() error { partitions = p.partitions.Run(ctx); return nil })
	_ = group.Wait()

	section := snapshot.Storage{
		Drives:     snapshot.Unavailable[[]snapshot.Drive](drives.Reason()),
		Partitions: snapshot.Unavailable[[]snapshot.Partition](partitions.Reason()),
	}
	if drives.OK {
		section.Drives = snapshot.Available(drives.Value)
	}
	if partitions.OK {
		section.Partitions = snapshot.Available(partitions.Value)
	}
	return section, snapshot.StatusFrom(partitions.Summary(), drives.Summary())
}

func newDrive(name, model string, size uint64) snapshot.Drive {
	return snapshot.Drive{
		Name:              name,
		Model:             strings.TrimSpace(model),
		SizeBytes:         size,
		MarketingCapacity: units.ToMarketing(size),
		BinaryCapacity:    units.ToBinary(size),
	}
}

func (p *StorageProbe) sysfsDrives(context.Context) ([]snapshot.Drive, error) {
	entries, err := os.ReadDir(filepath.Join(p.opts.SysRoot, "block"))
	if err != nil {
		return nil, err
	}

	var drives []snapshot.Drive
	for _, entry := range entries {
		name := entry.Name()
		if isVirtualBlock(name) {
			continue
		}
		dir := filepath.Join(p.opts.SysRoot, "block", name)
		sectors, err := readSysfsUint(filepath.Join(dir, "size"))
		if err != nil || sectors == 0 {
			continue
		}
		drives = append(drives, newDrive(name, sysfsStringOr(filepath.Join(dir, "device/model")), sectors*sectorSize))
	}
	return drives, nil
}

func isVirtualBlock(name string) bool {
	for _, prefix := range virtualBlockPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (p *StorageProbe) lsblkDrives(ctx context.Context) ([]snapshot.Drive, error) {
	out, err := p.opts.run(ctx, "lsblk", "--json", "--bytes", "--nodeps", "--output", "NAME,MODEL,SIZE,TYPE")
	if err != nil {
		return nil, err
	}
	return parseLsblk(out)
}

// parseLsblk reads `lsblk --json` output. Older util-linux prints sizes as strings.
func parseLsblk(out []byte) ([]snapshot.Drive, error) {
	if !gjson.ValidBytes(out) {
		return nil, probe.Implausible("lsblk output is not json")
	}
	devices := gjson.GetBytes(out, "blockdevices")
	if !devices.IsArray() {
		return nil, probe.Implausible("lsblk output has no blockdevices")
	}

	var drives []snapshot.Drive
	devices.ForEach(func(_, device gjson.Result) bool {
		if kind := device.Get("type").String(); kind != "" && kind != "disk" {
			return true
		}
		name := device.Get("name").String()
		size := device.Get("size").Uint()
		if isVirtualBlock(name) || size == 0 {
			return true
		}
		drives = append(drives, newDrive(name, device.Get("model").String(), size))
		return true
	})
	return drives, nil
}

func (p *StorageProbe) physicalDisks(ctx context.Context) ([]snapshot.Drive, error) {
	out, err := powershell(ctx, p.opts.run, physicalDiskScript)
	if err != nil {
		return nil, err
	}
	return parsePhysicalDisks(out)
}

func parsePhysicalDisks(out []byte) ([]snapshot.Drive, error) {
	rows, err := parseCSVRecords(out)
	if err != nil {
		return nil, err
	}
	drives := make([]snapshot.Drive, 0, len(rows))
	for _, row := range rows {
		size, err := strconv.ParseUint(row["Size"], 10, 64)
		if err != nil || size == 0 {
			continue
		}
		model := row["Model"]
		if model == "" {
			model = row["FriendlyName"]
		}
		drives = append(drives, newDrive(row["FriendlyName"], model, size))
	}
	return drives, nil
}

func acceptDrives(drives []snapshot.Drive) error {
	if len(drives) == 0 {
		return probe.Implausible("no drives")
	}
	return nil
}

// gopsutilPartitions lists physical mounts and reads their usage in parallel.
// Mounts whose usage cannot be read are dropped and the reading is partial.
func gopsutilPartitions(ctx context.Context) ([]snapshot.Partition, error) {
	mounts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	mounts = slices.DeleteFunc(mounts, func(m disk.PartitionStat) bool {
		return m.Fstype == "" || slices.Contains(m.Opts, "cdrom")
	})

	var (
		mu         sync.Mutex
		partitions = make([]snapshot.Partition, 0, len(mounts))
		skipped    []string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(usageConcurrency)
	for _, mount := range mounts {
		group.Go(func() error {
			usage, err := disk.UsageWithContext(groupCtx, mount.Mountpoint)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				skipped = append(skipped, mount.Mountpoint)
				return nil
			}
			partitions = append(partitions, snapshot.Partition{
				Path:   mount.Mountpoint,
				Device: mount.Device,
				FSType: mount.Fstype,
				Used:   usage.Used,
				Total:  usage.Total,
			})
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sortPartitions(partitions)
	if len(skipped) > 0 && len(partitions) > 0 {
		return partitions, probe.Partial("usage unreadable for %s", strings.Join(skipped, ", "))
	}
	return partitions, nil
}

func (p *StorageProbe) dfPartitions(ctx context.Context) ([]snapshot.Partition, error) {
	out, err := p.opts.run(ctx, "df", "-kP")
	if err != nil {
		return nil, err
	}
	return parseDF(out)
}

// parseDF reads POSIX `df -kP` output, keeping device-backed filesystems.
func parseDF(out []byte) ([]snapshot.Partition, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	var partitions []snapshot.Partition
	header := true
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if header {
			header = false
			continue
		}
		if len(fields) < 6 {
			continue
		}
		if !strings.HasPrefix(fields[0], "/") {
			continue
		}
		totalKB, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, probe.Implausible("df size %q", fields[1])
		}
		usedKB, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, probe.Implausible("df used %q", fields[2])
		}
		partitions = append(partitions, snapshot.Partition{
			Path:   strings.Join(fields[5:], " "),
			Device: fields[0],
			Used:   usedKB * 1024,
			Total:  totalKB * 1024,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sortPartitions(partitions)
	return partitions, nil
}

func sortPartitions(partitions []snapshot.Partition) {
	slices.SortFunc(partitions, func(a, b snapshot.Partition) int {
		return strings.Compare(a.Path, b.Path)
	})
}

func acceptPartitions(partitions []snapshot.Partition) error {
	if len(partitions) == 0 {
		return probe.Implausible("no partitions")
	}
	for _, partition := range partitions {
		if partition.Used > partition.Total {
			return probe.Implausible("%s used %d exceeds total %d", partition.Path, partition.Used, partition.Total)
		}
	}
	return nil
}
