package server

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
	"software.sslmate.com/src/go-pkcs12"
)

// LoadIdentity reads a PKCS#12 bundle and returns it as a TLS certificate.
func LoadIdentity(path, password string) (*tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read PKCS#12 file %s: %w", path, err)
	}

	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("cannot load PKCS#12 file %s: %w", path, err)
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}

	for _, ca := range chain {
		cert.Certificate = append(cert.Certificate, ca.Raw)
	}

	return cert, nil
}

// IdentityManager holds the TLS identity shared by every accepted connection,
// optionally reloading it when the PKCS#12 file changes.
type IdentityManager struct {
	path     string
	password string

	mu          sync.RWMutex
	certificate *tls.Certificate
	lastModTime time.Time

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewIdentityManager loads the identity at path, any failure is returned.
func NewIdentityManager(path, password string) (*IdentityManager, error) {
	im := &IdentityManager{
		path:     path,
		password: password,
		stopCh:   make(chan struct{}),
	}

	if err := im.loadIdentity(); err != nil {
		return nil, err
	}

	return im, nil
}

// Watch starts reloading the identity when its file changes.
func (im *IdentityManager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory, not the file directly, as it might be a symlink
	if err := watcher.Add(filepath.Dir(im.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch identity directory: %w", err)
	}

	im.watcher = watcher

	go im.watch()

	return nil
}

func (im *IdentityManager) loadIdentity() error {
	cert, err := LoadIdentity(im.path, im.password)
	if err != nil {
		return err
	}

	info, err := os.Stat(im.path)
	if err != nil {
		return err
	}

	im.mu.Lock()
	im.certificate = cert
	im.lastModTime = info.ModTime()
	im.mu.Unlock()

	zlog.Info("TLS identity loaded", "path", im.path, "subject", cert.Leaf.Subject.String(), "modTime", info.ModTime())

	return nil
}

// GetCertificate returns the current certificate
func (im *IdentityManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()

	if im.certificate == nil {
		return nil, fmt.Errorf("no certificate available")
	}

	return im.certificate, nil
}

// TLSConfig returns a fresh server TLS config backed by the managed identity.
func (im *IdentityManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: im.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1"},
	}
}

func (im *IdentityManager) watch() {
	defer im.watcher.Close()

	// Also check periodically in case fsnotify misses events
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	name := filepath.Base(im.path)

	for {
		select {
		case <-im.stopCh:
			return

		case event, ok := <-im.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) == name {
				zlog.Debug("Identity file event", "event", event.String())
				im.checkAndReload()
			}

		case err, ok := <-im.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error("Identity watcher error", "error", err.Error())

		case <-ticker.C:
			im.checkAndReload()
		}
	}
}

func (im *IdentityManager) checkAndReload() {
	info, err := os.Stat(im.path)
	if err != nil {
		zlog.Error("Failed to stat identity file", "path", im.path, "error", err.Error())
		return
	}

	im.mu.RLock()
	lastMod := im.lastModTime
	im.mu.RUnlock()

	if info.ModTime().After(lastMod) {
		zlog.Info("Identity file changed, reloading", "path", im.path)
		if err := im.Reload(); err != nil {
			zlog.Error("Failed to reload identity, keeping the previous one", "error", err.Error())
		}
	}
}

// Reload forces an identity reload, the current identity is kept on failure.
func (im *IdentityManager) Reload() error {
	return im.loadIdentity()
}

// Stop stops watching the identity file.
func (im *IdentityManager) Stop() {
	im.stopOnce.Do(func() { close(im.stopCh) })
}
