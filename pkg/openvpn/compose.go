package openvpn

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"ovpn-node/pkg/model"
)

// TokenIssuer mints the bearer secret embedded into helper scripts.
type TokenIssuer interface {
	Issue(serverID, instanceID string) (string, error)
}

// Artifact is everything Compose wrote for one instance.
type Artifact struct {
	Dir        string
	ConfigPath string
	StatusPath string
	Scripts    map[Hook]string
}

// Remove deletes the artifact directory.
func (a Artifact) Remove() error {
	if a.Dir == "" {
		return nil
	}
	return os.RemoveAll(a.Dir)
}

// Composer renders and writes per-instance config and helper scripts.
type Composer struct {
	WorkRoot string // parent of per-instance temp dirs; os.TempDir when empty
	HookURL  string // base URL of the local hook server
	Tokens   TokenIssuer
	Options  RenderOptions
	Log      zerolog.Logger
}

// Compose writes a fresh temp directory holding the config, the status path and
// one helper per callout. Files are readable by the owner only. On any failure
// the directory is removed and the error wraps model.ErrConfigGeneration.
func (c *Composer) Compose(spec model.ServerSpec, iface, instanceID string) (Artifact, error) {
	if c.Tokens == nil {
		return Artifact{}, fmt.Errorf("%w: no token issuer", model.ErrConfigGeneration)
	}
	token, err := c.Tokens.Issue(spec.ID, instanceID)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: issue hook token: %v", model.ErrConfigGeneration, err)
	}
	root := c.WorkRoot
	if root != "" {
		if err := os.MkdirAll(root, 0o700); err != nil {
			return Artifact{}, fmt.Errorf("%w: %v", model.ErrConfigGeneration, err)
		}
	}
	dir, err := os.MkdirTemp(root, "ovpn-"+spec.ID+"-")
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", model.ErrConfigGeneration, err)
	}
	art := Artifact{
		Dir:        dir,
		ConfigPath: filepath.Join(dir, "server.conf"),
		StatusPath: filepath.Join(dir, "status.log"),
		Scripts:    map[Hook]string{},
	}
	fail := func(err error) (Artifact, error) {
		_ = art.Remove()
		return Artifact{}, err
	}

	hooks := []Hook{HookPreAuth, HookConnect, HookDisconnect}
	if spec.OTPAuth {
		hooks = append(hooks, HookUserAuth)
	}
	for _, h := range hooks {
		path := filepath.Join(dir, string(h)+".sh")
		if err := os.WriteFile(path, []byte(RenderScript(h, c.HookURL, token)), 0o700); err != nil {
			return fail(fmt.Errorf("%w: write %s: %v", model.ErrConfigGeneration, h, err))
		}
		art.Scripts[h] = path
	}

	text, err := RenderConfig(spec, iface, Paths{
		PreAuth:    art.Scripts[HookPreAuth],
		Connect:    art.Scripts[HookConnect],
		Disconnect: art.Scripts[HookDisconnect],
		UserAuth:   art.Scripts[HookUserAuth],
		Status:     art.StatusPath,
	}, c.Options)
	if err != nil {
		return fail(err)
	}
	if err := os.WriteFile(art.ConfigPath, []byte(text), 0o600); err != nil {
		return fail(fmt.Errorf("%w: write config: %v", model.ErrConfigGeneration, err))
	}
	c.Log.Debug().Str("server", spec.ID).Str("iface", iface).Str("dir", dir).Msg("config composed")
	return art, nil
}
