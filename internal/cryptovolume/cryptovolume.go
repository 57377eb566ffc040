// Package cryptovolume formats, mounts and unmounts the encrypted
// filesystem image that backs the credentials store.
//
// The daemon never reimplements LUKS or ext4 — it drives the system's
// cryptsetup(8), losetup(8), mkfs(8) and the mount(2) syscall as external
// collaborators: spawn, wait for readiness, monitor, and tear down on
// failure or shutdown.
package cryptovolume

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/logger"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sys/unix"
)

// State is the volume's monotonic lifecycle state.
type State int

const (
	Unmounted State = iota
	LoopSet
	LoopLuksOpened
	Mounted
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "Unmounted"
	case LoopSet:
		return "LoopSet"
	case LoopLuksOpened:
		return "LoopLuksOpened"
	case Mounted:
		return "Mounted"
	default:
		return "Unknown"
	}
}

// MaxKeySlots is the number of LUKS key slots the volume supports.
const MaxKeySlots = 8

// Volume owns one process-wide encrypted volume. The daemon's registry
// is the only caller that should mount or unmount it.
type Volume struct {
	mu sync.Mutex

	backingFile string
	mountPath   string
	mapperName  string
	fsType      string

	state      State
	loopDevice string
}

// New creates a Volume bound to the given backing file and mount directory.
// It starts Unmounted; Setup or Mount must be called before use.
func New(backingFile, mountPath, mapperName, fsType string) *Volume {
	// cryptsetup needs device-mapper for both Setup and Mount, so the
	// dm_mod module is loaded first. A failure is only logged: the
	// capability may be built into the kernel.
	if err := exec.Command("modprobe", "dm_mod").Run(); err != nil {
		logger.Volume().Warn().Err(err).Msg("could not load dm_mod kernel module")
	}
	return &Volume{
		backingFile: backingFile,
		mountPath:   mountPath,
		mapperName:  mapperName,
		fsType:      fsType,
		state:       Unmounted,
	}
}

// State returns the current lifecycle state.
func (v *Volume) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Setup formats a new backing file of sizeMB megabytes, LUKS-formats it
// with key in slot 0, opens it, creates fsType on it, and mounts it.
func (v *Volume) Setup(ctx context.Context, key []byte, sizeMB int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != Unmounted {
		return apperror.WrongStateErr("volume must be Unmounted to Setup")
	}

	if err := v.cleanupStaleState(ctx); err != nil {
		logger.Volume().Warn().Err(err).Msg("stale loop/mapper cleanup failed, continuing")
	}

	if err := v.createBackingFile(sizeMB); err != nil {
		return apperror.EncryptionFailedErr(err)
	}

	loopDev, err := v.attachLoop(ctx)
	if err != nil {
		v.teardownFrom(ctx, Unmounted)
		return apperror.EncryptionFailedErr(err)
	}
	v.loopDevice = loopDev
	v.state = LoopSet

	if err := v.luksFormat(ctx, loopDev, key); err != nil {
		v.teardownFrom(ctx, v.state)
		return apperror.EncryptionFailedErr(err)
	}

	if err := v.luksOpen(ctx, loopDev, key); err != nil {
		v.teardownFrom(ctx, v.state)
		return apperror.EncryptionFailedErr(err)
	}
	v.state = LoopLuksOpened

	mapperPath := v.mapperPath()
	if err := v.mkfs(ctx, mapperPath); err != nil {
		v.teardownFrom(ctx, v.state)
		return apperror.EncryptionFailedErr(err)
	}

	if err := v.doMount(mapperPath); err != nil {
		v.teardownFrom(ctx, v.state)
		return apperror.EncryptionFailedErr(err)
	}
	v.state = Mounted

	logger.Volume().Info().Str("mount_path", v.mountPath).Msg("volume set up and mounted")
	return nil
}

// Mount opens an existing backing file with key and mounts it, skipping
// the format and mkfs steps Setup performs.
func (v *Volume) Mount(ctx context.Context, key []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != Unmounted {
		return apperror.WrongStateErr("volume must be Unmounted to Mount")
	}

	if err := v.cleanupStaleState(ctx); err != nil {
		logger.Volume().Warn().Err(err).Msg("stale loop/mapper cleanup failed, continuing")
	}

	loopDev, err := v.attachLoop(ctx)
	if err != nil {
		v.teardownFrom(ctx, Unmounted)
		return apperror.EncryptionFailedErr(err)
	}
	v.loopDevice = loopDev
	v.state = LoopSet

	if err := v.luksOpen(ctx, loopDev, key); err != nil {
		v.teardownFrom(ctx, v.state)
		return apperror.EncryptionFailedErr(err)
	}
	v.state = LoopLuksOpened

	if err := v.doMount(v.mapperPath()); err != nil {
		v.teardownFrom(ctx, v.state)
		return apperror.EncryptionFailedErr(err)
	}
	v.state = Mounted

	logger.Volume().Info().Str("mount_path", v.mountPath).Msg("volume mounted")
	return nil
}

// Unmount tears the volume down to Unmounted, releasing the backing file
// and mapper name. A subsequent Mount must succeed.
func (v *Volume) Unmount(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.teardownFrom(ctx, v.state)
	return nil
}

// AddKey authorises adding newKey to a free key-slot using existingKey.
func (v *Volume) AddKey(ctx context.Context, existingKey, newKey []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == Unmounted {
		return apperror.WrongStateErr("volume must be open to manage key slots")
	}
	return runCryptsetupKeyOp(ctx, "luksAddKey", v.loopDevice, existingKey, newKey)
}

// RemoveKey removes victimKey from its slot, authorised by remainingKey
// (the remaining key is used only to authorise the removal; it is not
// itself removed). remainingKey is verified against the header with a
// luksOpen --test-passphrase before the victim slot is killed, so a
// caller can never lock itself out by removing the wrong key.
func (v *Volume) RemoveKey(ctx context.Context, victimKey, remainingKey []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == Unmounted {
		return apperror.WrongStateErr("volume must be open to manage key slots")
	}
	if err := testPassphrase(ctx, v.loopDevice, remainingKey); err != nil {
		return fmt.Errorf("remaining key does not authorise this volume: %w", err)
	}
	return runCryptsetupRemoveKey(ctx, v.loopDevice, victimKey)
}

func testPassphrase(ctx context.Context, device string, key []byte) error {
	cmd := exec.CommandContext(ctx, "cryptsetup", "open", "--test-passphrase", "--key-file", "-", device)
	cmd.Stdin = bytes.NewReader(key)
	return runLogged(cmd, "cryptsetup open --test-passphrase")
}

// KeyInUse answers whether candidate currently authorises the volume, by
// attempting to add a transient dummy key using candidate and removing it
// again; any failure means "not in use".
func (v *Volume) KeyInUse(ctx context.Context, candidate []byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == Unmounted {
		return false
	}

	dummy := derivedProbeKey(candidate)
	if err := runCryptsetupKeyOp(ctx, "luksAddKey", v.loopDevice, candidate, dummy); err != nil {
		return false
	}
	if err := runCryptsetupRemoveKey(ctx, v.loopDevice, dummy); err != nil {
		logger.Volume().Warn().Err(err).Msg("failed to remove transient probe key slot")
	}
	return true
}

// Contains reports whether relativePath would resolve inside the mounted
// volume, used by CredentialsDB to fence every file access.
func (v *Volume) Contains(relativePath string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != Mounted {
		return false
	}
	clean := filepath.Clean(filepath.Join(v.mountPath, relativePath))
	return clean == v.mountPath || strings.HasPrefix(clean, v.mountPath+string(filepath.Separator))
}

// derivedProbeKey derives a disposable probe key from candidate so KeyInUse
// never has to persist a literal secondary secret.
func derivedProbeKey(candidate []byte) []byte {
	return pbkdf2.Key(candidate, []byte("signond-key-probe"), 4096, 32, sha256.New)
}

func (v *Volume) createBackingFile(sizeMB int) error {
	if err := os.MkdirAll(filepath.Dir(v.backingFile), 0o700); err != nil {
		return fmt.Errorf("create backing dir: %w", err)
	}
	f, err := os.OpenFile(v.backingFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create backing file: %w", err)
	}
	defer f.Close()

	if _, err := io.CopyN(f, rand.Reader, int64(sizeMB)*1024*1024); err != nil {
		return fmt.Errorf("fill backing file with random data: %w", err)
	}
	return nil
}

func (v *Volume) mapperPath() string {
	return filepath.Join("/dev/mapper", v.mapperName)
}

func (v *Volume) cleanupStaleState(ctx context.Context) error {
	_ = exec.CommandContext(ctx, "cryptsetup", "close", v.mapperName).Run()
	out, err := exec.CommandContext(ctx, "losetup", "-j", v.backingFile).Output()
	if err != nil {
		return nil // no leftover association, nothing to clean
	}
	dev := parseLoopDeviceFromLosetupJ(string(out))
	if dev != "" {
		_ = exec.CommandContext(ctx, "losetup", "-d", dev).Run()
	}
	return nil
}

func (v *Volume) attachLoop(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "losetup", "--find", "--show", v.backingFile).Output()
	if err != nil {
		return "", fmt.Errorf("losetup: %w", err)
	}
	return trimNewline(string(out)), nil
}

func (v *Volume) luksFormat(ctx context.Context, device string, key []byte) error {
	cmd := exec.CommandContext(ctx, "cryptsetup", "luksFormat",
		"--cipher", "aes-xts-plain64", "--key-size", "256",
		"--key-file", "-", "--batch-mode", device)
	cmd.Stdin = bytes.NewReader(key)
	return runLogged(cmd, "luksFormat")
}

func (v *Volume) luksOpen(ctx context.Context, device string, key []byte) error {
	cmd := exec.CommandContext(ctx, "cryptsetup", "open", "--type", "luks",
		"--key-file", "-", device, v.mapperName)
	cmd.Stdin = bytes.NewReader(key)
	return runLogged(cmd, "luksOpen")
}

func (v *Volume) mkfs(ctx context.Context, mapperPath string) error {
	mkfsBin := "mkfs." + v.fsType
	cmd := exec.CommandContext(ctx, mkfsBin, mapperPath)
	return runLogged(cmd, mkfsBin)
}

func (v *Volume) doMount(mapperPath string) error {
	if err := os.MkdirAll(v.mountPath, 0o700); err != nil {
		return fmt.Errorf("create mount dir: %w", err)
	}
	flags := uintptr(unix.MS_SYNCHRONOUS | unix.MS_NOEXEC)
	if err := unix.Mount(mapperPath, v.mountPath, v.fsType, flags, ""); err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	return nil
}

// teardownFrom unwinds the volume back through whatever states it has
// reached, best-effort, leaving it Unmounted so a failed setup or mount
// never leaves a half-attached loop device or mapper behind.
func (v *Volume) teardownFrom(ctx context.Context, from State) {
	if from >= Mounted {
		if err := unix.Unmount(v.mountPath, 0); err != nil {
			logger.Volume().Warn().Err(err).Msg("unmount failed during teardown")
		}
	}
	if from >= LoopLuksOpened {
		if err := exec.CommandContext(ctx, "cryptsetup", "close", v.mapperName).Run(); err != nil {
			logger.Volume().Warn().Err(err).Msg("cryptsetup close failed during teardown")
		}
	}
	if from >= LoopSet && v.loopDevice != "" {
		if err := exec.CommandContext(ctx, "losetup", "-d", v.loopDevice).Run(); err != nil {
			logger.Volume().Warn().Err(err).Msg("losetup -d failed during teardown")
		}
	}
	v.loopDevice = ""
	v.state = Unmounted
}

func runLogged(cmd *exec.Cmd, name string) error {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, stderr.String())
	}
	return nil
}

func runCryptsetupKeyOp(ctx context.Context, op, device string, authKey, newKey []byte) error {
	args := []string{op, device, "--key-file", "-"}
	cmd := exec.CommandContext(ctx, "cryptsetup", args...)
	stdin := append(append([]byte{}, authKey...), '\n')
	if newKey != nil {
		stdin = append(stdin, newKey...)
	}
	cmd.Stdin = bytes.NewReader(stdin)
	return runLogged(cmd, "cryptsetup "+op)
}

func runCryptsetupRemoveKey(ctx context.Context, device string, victimKey []byte) error {
	cmd := exec.CommandContext(ctx, "cryptsetup", "luksRemoveKey", device, "--key-file", "-")
	cmd.Stdin = bytes.NewReader(victimKey)
	return runLogged(cmd, "cryptsetup luksRemoveKey")
}

func parseLoopDeviceFromLosetupJ(out string) string {
	idx := bytes.IndexByte([]byte(out), ':')
	if idx <= 0 {
		return ""
	}
	return out[:idx]
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
