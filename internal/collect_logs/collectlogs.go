package collect_logs

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"OpenHome/Songshark-Go/internal/capture"
	"OpenHome/Songshark-Go/internal/version"
)

// Options selects what goes into the diagnostics bundle. Zero values use
// the working-directory defaults.
type Options struct {
	// LogDir holds the rotated log files (default "logs")
	LogDir string
	// CaptureDir holds capture files kept for replay (default "captures")
	CaptureDir string
	// ConfigPath is the config file in use (default "config.json")
	ConfigPath string
	// Adapters lists capture devices into adapters.txt; nil skips it
	Adapters capture.DeviceLister
	// DriverVersion is the packet capture library version for system-info.txt
	DriverVersion string
}

func (o Options) withDefaults() Options {
	if o.LogDir == "" {
		o.LogDir = "logs"
	}
	if o.CaptureDir == "" {
		o.CaptureDir = "captures"
	}
	if o.ConfigPath == "" {
		o.ConfigPath = "config.json"
	}
	return o
}

// CollectLogs creates a zip archive with logs, captures, config, version,
// system info and the adapter list for diagnostics. zipName is the output
// file name (e.g., "songshark-logs-YYYYMMDD-HHMMSS.zip"). Missing inputs are
// skipped.
func CollectLogs(zipName string, opts Options) error {
	opts = opts.withDefaults()

	zipFile, err := os.Create(zipName)
	if err != nil {
		return fmt.Errorf("failed to create zip: %w", err)
	}
	defer zipFile.Close()

	zipWriter := zip.NewWriter(zipFile)

	if logFiles, err := os.ReadDir(opts.LogDir); err == nil {
		for _, entry := range logFiles {
			if entry.IsDir() {
				continue
			}
			_ = addFileAs(zipWriter, filepath.Join(opts.LogDir, entry.Name()), "logs/"+entry.Name())
		}
	}

	_ = addDirToZip(zipWriter, opts.CaptureDir, "captures")

	if _, err := os.Stat(opts.ConfigPath); err == nil {
		_ = addFileAs(zipWriter, opts.ConfigPath, "config.json")
	}

	_ = addStringToZip(zipWriter, "version.txt", version.Version+"\n")
	_ = addStringToZip(zipWriter, "system-info.txt", getSystemInfo(opts.DriverVersion))

	if opts.Adapters != nil {
		_ = addStringToZip(zipWriter, "adapters.txt", adapterList(opts.Adapters))
	}

	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finalize zip: %w", err)
	}
	return nil
}

func adapterList(l capture.DeviceLister) string {
	devices, err := l.Devices()
	if err != nil {
		return fmt.Sprintf("error listing adapters: %v\n", err)
	}
	var b strings.Builder
	for i, d := range devices {
		fmt.Fprintf(&b, "%d\t%s\t%s\n", i, d.Name, d.Description)
	}
	if len(devices) == 0 {
		b.WriteString("no adapters found\n")
	}
	return b.String()
}

func addFileAs(zipWriter *zip.Writer, filename, name string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w, err := zipWriter.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, file)
	return err
}

func addStringToZip(zipWriter *zip.Writer, filename, content string) error {
	w, err := zipWriter.Create(filename)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(content))
	return err
}

// addDirToZip stores every file under dir below prefix, keeping the
// relative layout.
func addDirToZip(zipWriter *zip.Writer, dir, prefix string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return addFileAs(zipWriter, path, prefix+"/"+filepath.ToSlash(rel))
	})
}

func getSystemInfo(driver string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OS: %s\nArch: %s\nGo version: %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
	if driver != "" {
		fmt.Fprintf(&b, "Capture driver: %s\n", driver)
	}
	fmt.Fprintf(&b, "NumCPU: %d\nGOMAXPROCS: %d\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))
	if hn, err := os.Hostname(); err == nil {
		fmt.Fprintf(&b, "Hostname: %s\n", hn)
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Fprintf(&b, "Memory: Alloc=%d TotalAlloc=%d Sys=%d NumGC=%d\n", m.Alloc, m.TotalAlloc, m.Sys, m.NumGC)

	switch runtime.GOOS {
	case "linux":
		if f, err := os.Open("/etc/os-release"); err == nil {
			defer f.Close()
			b.WriteString("/etc/os-release:\n")
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := scanner.Text()
				if strings.HasPrefix(line, "NAME=") || strings.HasPrefix(line, "VERSION=") || strings.HasPrefix(line, "PRETTY_NAME=") {
					b.WriteString("  " + line + "\n")
				}
			}
		}
		if out, err := exec.Command("uname", "-r").Output(); err == nil {
			b.WriteString("Kernel: " + strings.TrimSpace(string(out)) + "\n")
		}
	case "darwin":
		if out, err := exec.Command("sw_vers").Output(); err == nil {
			b.WriteString("sw_vers:\n")
			b.WriteString(string(out))
		}
	case "windows":
		if out, err := exec.Command("cmd", "/C", "ver").Output(); err == nil {
			b.WriteString("ver: " + strings.TrimSpace(string(out)) + "\n")
		}
	}
	return b.String()
}
