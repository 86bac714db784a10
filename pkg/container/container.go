// Package container is the container-engine backend of the software
// management operations: listing installed container modules and
// installing/removing them. It talks to docker or podman through the
// docker API client, discovering the engine socket the same way for
// both.
package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-units"
)

var ContainerType string = "container"
var ContainerGroupType string = "container-group"

// DefaultNetworkName is the shared network installed modules attach to.
var DefaultNetworkName string = "tedge"

// Module is one installed container, presented as a software module:
// the name is the container name, the version is its image reference.
type Module struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	ServiceType string `json:"type"`
	State       string `json:"state,omitempty"`
	Status      string `json:"status,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	Ports       string `json:"ports,omitempty"`
	Filesystem  string `json:"filesystem,omitempty"`
	ProjectName string `json:"projectName,omitempty"`

	Labels map[string]string `json:"-"`
}

// GetName returns the module's display name; compose-project members
// are shown as "<project>@<service>".
func (m *Module) GetName() string {
	if m.ProjectName == "" {
		return m.Name
	}
	if v, ok := m.Labels["com.docker.compose.service"]; ok {
		return fmt.Sprintf("%s@%s", m.ProjectName, v)
	}
	return m.Name
}

func ConvertToTedgeStatus(v string) string {
	switch v {
	case "up", "running":
		return "up"
	default:
		return "down"
	}
}

func FormatPorts(values []types.Port) string {
	formatted := make([]string, 0, len(values))
	for _, port := range values {
		if port.PublicPort == 0 {
			formatted = append(formatted, fmt.Sprintf("%d/%s", port.PrivatePort, port.Type))
		} else {
			if port.IP == "" {
				formatted = append(formatted, fmt.Sprintf("%d:%d/%s", port.PublicPort, port.PrivatePort, port.Type))
			} else {
				formatted = append(formatted, fmt.Sprintf("%s:%d:%d/%s", port.IP, port.PublicPort, port.PrivatePort, port.Type))
			}
		}
	}
	return strings.Join(formatted, ", ")
}

func ConvertName(v []string) string {
	return strings.TrimPrefix(v[0], "/")
}

// NewModuleFromDockerContainer maps one engine container to a Module.
func NewModuleFromDockerContainer(item *types.Container) Module {
	module := Module{
		Name:        ConvertName(item.Names),
		Version:     item.Image,
		State:       item.State,
		Status:      ConvertToTedgeStatus(item.State),
		CreatedAt:   time.Unix(item.Created, 0).Format(time.RFC3339),
		Ports:       FormatPorts(item.Ports),
		ServiceType: ContainerType,
		Labels:      item.Labels,
	}

	srw := units.HumanSizeWithPrecision(float64(item.SizeRw), 3)
	sv := units.HumanSizeWithPrecision(float64(item.SizeRootFs), 3)
	module.Filesystem = srw
	if item.SizeRootFs > 0 {
		module.Filesystem = fmt.Sprintf("%s (virtual %s)", srw, sv)
	}

	if v, ok := item.Labels["com.docker.compose.project"]; ok {
		module.ProjectName = v
		module.ServiceType = ContainerGroupType
	}

	return module
}

type ContainerClient struct {
	Client *client.Client
}

func socketExists(p string) bool {
	_, err := os.Stat(strings.TrimPrefix(p, "unix://"))
	return err == nil
}

func findContainerEngineSocket() (socketAddr string) {
	containerSockets := []string{
		"unix:///run/podman/podman.sock",
	}

	for _, addr := range containerSockets {
		if strings.HasPrefix(addr, "unix://") {
			if socketExists(addr) {
				socketAddr = addr
				break
			}
		}
	}
	return socketAddr
}

func NewContainerClient() (*ContainerClient, error) {
	// Find container socket
	if v := os.Getenv("DOCKER_HOST"); v == "" {
		if addr := findContainerEngineSocket(); addr != "" {
			if err := os.Setenv("DOCKER_HOST", addr); err != nil {
				return nil, err
			}
			slog.Info("Using container engine socket.", "value", addr)
		}
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &ContainerClient{
		Client: cli,
	}, nil
}

type FilterOptions struct {
	Names  []string
	Labels []string
	IDs    []string

	// Client side filters
	Types            []string
	ExcludeNames     []string
	ExcludeWithLabel []string
}

func (fo FilterOptions) IsEmpty() bool {
	return len(fo.Names) == 0 && len(fo.Labels) == 0 && len(fo.IDs) == 0
}

// List returns the installed modules matching the filter options.
func (c *ContainerClient) List(ctx context.Context, options FilterOptions) ([]Module, error) {
	listOptions := container.ListOptions{
		Size: true,
		All:  true,
	}

	filterValues := make([]filters.KeyValuePair, 0)
	for _, name := range options.Names {
		filterValues = append(filterValues, filters.KeyValuePair{Key: "name", Value: name})
	}
	for _, value := range options.IDs {
		filterValues = append(filterValues, filters.KeyValuePair{Key: "id", Value: value})
	}
	for _, label := range options.Labels {
		filterValues = append(filterValues, filters.KeyValuePair{Key: "label", Value: label})
	}
	if len(filterValues) > 0 {
		listOptions.Filters = filters.NewArgs(filterValues...)
	}

	containers, err := c.Client.ContainerList(ctx, listOptions)
	if err != nil {
		return nil, err
	}

	excludeNamesRegex := make([]regexp.Regexp, 0, len(options.ExcludeNames))
	for _, pattern := range options.ExcludeNames {
		if p, err := regexp.Compile(pattern); err != nil {
			slog.Warn("Invalid excludeNames regex pattern.", "pattern", pattern, "err", err)
		} else {
			excludeNamesRegex = append(excludeNamesRegex, *p)
		}
	}

	items := make([]Module, 0, len(containers))
	for _, i := range containers {
		item := NewModuleFromDockerContainer(&i)

		if len(options.Types) > 0 {
			if !slices.Contains(options.Types, item.ServiceType) {
				continue
			}
		}

		if len(excludeNamesRegex) > 0 {
			ignoreContainer := false
			for _, pattern := range excludeNamesRegex {
				if pattern.MatchString(item.Name) || pattern.MatchString(item.GetName()) {
					ignoreContainer = true
					break
				}
			}
			if ignoreContainer {
				continue
			}
		}

		if len(options.ExcludeWithLabel) > 0 {
			hasLabel := false
			for _, label := range options.ExcludeWithLabel {
				if _, hasLabel = item.Labels[label]; hasLabel {
					break
				}
			}
			if hasLabel {
				continue
			}
		}
		items = append(items, item)
	}

	return items, nil
}

// EnsureNetwork installs the shared module network if it does not exist.
func (c *ContainerClient) EnsureNetwork(ctx context.Context, name string) error {
	netw, err := c.Client.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return err
		}
		netwResp, err := c.Client.NetworkCreate(ctx, name, network.CreateOptions{})
		if err != nil {
			return err
		}
		slog.Info("Created network.", "name", name, "id", netwResp.ID)
		return nil
	}
	slog.Info("Network already exists.", "name", netw.Name, "id", netw.ID)
	return nil
}

// EnsureImage pulls imageRef unless it is already present.
func (c *ContainerClient) EnsureImage(ctx context.Context, imageRef string) error {
	images, err := c.Client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", imageRef)),
	})
	if err != nil {
		return err
	}
	if len(images) > 0 {
		slog.Info("Image already exists.", "ref", imageRef, "id", images[0].ID, "tags", images[0].RepoTags)
		return nil
	}

	slog.Info("Pulling image.", "ref", imageRef)
	out, err := c.Client.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	return err
}

// Install creates and starts a module container from imageRef, replacing
// any existing container of the same name.
func (c *ContainerClient) Install(ctx context.Context, name string, imageRef string) error {
	if err := c.EnsureNetwork(ctx, DefaultNetworkName); err != nil {
		return err
	}
	if err := c.EnsureImage(ctx, imageRef); err != nil {
		return err
	}
	if err := c.StopRemoveContainer(ctx, name); err != nil {
		slog.Warn("Could not stop and remove the existing container.", "err", err)
		return err
	}

	resp, err := c.Client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  imageRef,
			Labels: map[string]string{},
		},
		&container.HostConfig{
			PublishAllPorts: true,
			RestartPolicy: container.RestartPolicy{
				Name:              container.RestartPolicyOnFailure,
				MaximumRetryCount: 5,
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				DefaultNetworkName: {
					NetworkID: DefaultNetworkName,
				},
			},
		},
		nil,
		name,
	)
	if err != nil {
		return err
	}

	if err := c.Client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return err
	}
	slog.Info("Created container.", "id", resp.ID, "name", name)
	return nil
}

// StopRemoveContainer stops (then removes) the container with the given
// name. A missing container is not an error.
func (c *ContainerClient) StopRemoveContainer(ctx context.Context, name string) error {
	containers, err := c.Client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", fmt.Sprintf("^/?%s$", name))),
	})
	if err != nil {
		return err
	}
	for _, item := range containers {
		timeout := 60
		if err := c.Client.ContainerStop(ctx, item.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			slog.Warn("Failed to stop container.", "id", item.ID, "err", err)
		}
		if err := c.Client.ContainerRemove(ctx, item.ID, container.RemoveOptions{Force: true}); err != nil {
			return err
		}
		slog.Info("Removed container.", "id", item.ID, "name", name)
	}
	return nil
}

// Remove uninstalls the module container with the given name.
func (c *ContainerClient) Remove(ctx context.Context, name string) error {
	return c.StopRemoveContainer(ctx, name)
}
