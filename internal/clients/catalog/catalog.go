package catalog

import (
	"context"
	"fmt"

	"github.com/ssuji15/jobrunner/internal/clients/jsonrpc"
	"github.com/ssuji15/jobrunner/model"
)

// Catalog is the part of the module registry the runner depends on.
type Catalog interface {
	GetModuleVersion(ctx context.Context, module, version string) (*model.ModuleInfo, error)
	GetSecureConfigParams(ctx context.Context, module, version string) ([]model.SecureConfigParam, error)
	ListVolumeMounts(ctx context.Context, module, method, clientGroup string) ([]model.Mount, error)
}

type Client struct {
	rpc *jsonrpc.Client
}

func New(url, token string) *Client {
	return &Client{rpc: jsonrpc.New(url, token, 0)}
}

func (c *Client) GetModuleVersion(ctx context.Context, module, version string) (*model.ModuleInfo, error) {
	req := map[string]any{"module_name": module}
	if version != "" {
		req["version"] = version
	}
	var res []model.ModuleInfo
	if err := c.rpc.Call(ctx, "Catalog.get_module_version", []any{req}, &res); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("empty catalog response for %s", module)
	}
	return &res[0], nil
}

func (c *Client) GetSecureConfigParams(ctx context.Context, module, version string) ([]model.SecureConfigParam, error) {
	req := map[string]any{"module_name": module, "load_all_versions": 0}
	if version != "" {
		req["version"] = version
	}
	var res [][]model.SecureConfigParam
	if err := c.rpc.Call(ctx, "Catalog.get_secure_config_params", []any{req}, &res); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0], nil
}

type volumeMount struct {
	HostDir      string `json:"host_dir"`
	ContainerDir string `json:"container_dir"`
	ReadOnly     any    `json:"read_only"`
}

type volumeMountConfig struct {
	VolumeMounts []volumeMount `json:"volume_mounts"`
}

func (c *Client) ListVolumeMounts(ctx context.Context, module, method, clientGroup string) ([]model.Mount, error) {
	req := map[string]any{
		"module_name":   module,
		"function_name": method,
		"client_group":  clientGroup,
	}
	var res [][]volumeMountConfig
	if err := c.rpc.Call(ctx, "Catalog.list_volume_mounts", []any{req}, &res); err != nil {
		return nil, err
	}
	if len(res) == 0 || len(res[0]) == 0 {
		return []model.Mount{}, nil
	}
	mounts := make([]model.Mount, 0, len(res[0][0].VolumeMounts))
	for _, vm := range res[0][0].VolumeMounts {
		mounts = append(mounts, model.Mount{
			HostDir:      vm.HostDir,
			ContainerDir: vm.ContainerDir,
			ReadOnly:     truthy(vm.ReadOnly),
		})
	}
	return mounts, nil
}

// truthy accepts the 0/1 integers the catalog stores as well as booleans.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t == "1" || t == "true"
	}
	return false
}
