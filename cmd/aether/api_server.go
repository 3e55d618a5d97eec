package main

import (
	"errors"
	"strconv"

	"github.com/galdor/go-service/pkg/shttp"

	"github.com/aetherlabs/aether/pkg/coordinator"
	"github.com/aetherlabs/aether/pkg/store"
)

type APIServer struct {
	Service *Service
}

type ConfigCreate struct {
	Name string                 `json:"name"`
	Data map[string]interface{} `json:"data"`
}

type ConfigUpdate struct {
	Data map[string]interface{} `json:"data"`
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/login", "POST", api.hLoginPOST)
	api.Route("/health", "GET", api.hHealthGET)
	api.Route("/status", "GET", api.hStatusGET)

	api.Route("/configs", "POST", api.hConfigsPOST)
	api.Route("/configs/:name", "GET", api.hConfigsNameGET)
	api.Route("/configs/:name", "PUT", api.hConfigsNamePUT)
	api.Route("/configs/:name/versions", "GET", api.hConfigsNameVersionsGET)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hHealthGET(h *shttp.Handler) {
	h.ReplyJSON(200, map[string]string{"status": "healthy"})
}

func (api *APIServer) hStatusGET(h *shttp.Handler) {
	h.ReplyJSON(200, api.Service.coordinator.Status())
}

func (api *APIServer) hConfigsNameGET(h *shttp.Handler) {
	if !api.authenticate(h) {
		return
	}

	name := h.PathVariable("name")

	ctx := h.Request.Context()

	var version *store.ConfigVersion
	var err error

	if versionString := h.Request.URL.Query().Get("version"); versionString != "" {
		versionNumber, parseErr := strconv.ParseInt(versionString, 10, 64)
		if parseErr != nil {
			h.ReplyError(400, "invalid_query_parameter",
				"invalid version %q", versionString)
			return
		}

		version, err = api.Service.coordinator.Get(ctx, name, versionNumber)
	} else {
		version, err = api.Service.coordinator.Latest(ctx, name)
	}

	if err != nil {
		api.replyCoordinatorError(h, err)
		return
	}

	h.ReplyJSON(200, version)
}

func (api *APIServer) hConfigsPOST(h *shttp.Handler) {
	if !api.authenticate(h) {
		return
	}

	var data ConfigCreate
	if err := api.readJSONBody(h, &data); err != nil {
		return
	}

	if data.Name == "" {
		h.ReplyError(400, "invalid_request_body",
			"missing or empty configuration name")
		return
	}

	version, err := api.Service.coordinator.Propose(h.Request.Context(),
		data.Name, data.Data)
	if err != nil {
		api.replyCoordinatorError(h, err)
		return
	}

	h.ReplyJSON(201, version)
}

func (api *APIServer) hConfigsNamePUT(h *shttp.Handler) {
	if !api.authenticate(h) {
		return
	}

	name := h.PathVariable("name")

	var data ConfigUpdate
	if err := api.readJSONBody(h, &data); err != nil {
		return
	}

	ctx := h.Request.Context()

	// Updating a configuration which was never created is a client error.
	if _, err := api.Service.coordinator.Latest(ctx, name); err != nil {
		api.replyCoordinatorError(h, err)
		return
	}

	version, err := api.Service.coordinator.Propose(ctx, name, data.Data)
	if err != nil {
		api.replyCoordinatorError(h, err)
		return
	}

	h.ReplyJSON(200, version)
}

func (api *APIServer) hConfigsNameVersionsGET(h *shttp.Handler) {
	if !api.authenticate(h) {
		return
	}

	name := h.PathVariable("name")

	versions, err := api.Service.coordinator.ListVersions(h.Request.Context(),
		name)
	if err != nil {
		api.replyCoordinatorError(h, err)
		return
	}

	h.ReplyJSON(200, versions)
}

func (api *APIServer) replyCoordinatorError(h *shttp.Handler, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.ReplyError(404, "not_found", "%v", err)

	case errors.Is(err, coordinator.ErrNotLeader):
		h.ReplyError(403, "not_leader", "%v", err)

	default:
		h.ReplyError(500, "internal_error", "%v", err)
	}
}
