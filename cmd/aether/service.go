package main

import (
	"context"
	"fmt"
	"net"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"

	"github.com/aetherlabs/aether/pkg/consensus"
	"github.com/aetherlabs/aether/pkg/coordinator"
	"github.com/aetherlabs/aether/pkg/store"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Cluster ClusterCfg         `json:"cluster"`
	Storage StorageCfg         `json:"storage"`
	API     APICfg             `json:"api"`
}

type ClusterCfg struct {
	Nodes         consensus.NodeSet `json:"nodes"`
	DataDirectory string            `json:"dataDirectory"`
}

type StorageCfg struct {
	// One of "memory", "postgres", "redis"; memory when empty.
	Backend string `json:"backend,omitempty"`

	PostgresURI string   `json:"postgresUri,omitempty"`
	Redis       RedisCfg `json:"redis,omitempty"`
}

type RedisCfg struct {
	Address  string `json:"address"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

type APICfg struct {
	Address string `json:"address,omitempty"`

	JWTSecret string `json:"jwtSecret"`

	// Token lifetime in minutes; 30 when zero.
	TokenTTL int `json:"tokenTtl,omitempty"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	backend     store.Backend
	hub         *store.WatchHub
	node        *consensus.Node
	coordinator *coordinator.Coordinator
	apiServer   *APIServer
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("cluster", &cfg.Cluster)
	v.CheckObject("storage", &cfg.Storage)
	v.CheckObject("api", &cfg.API)
}

func (cfg *ClusterCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("nodes", func() {
		for _, node := range cfg.Nodes {
			v.CheckStringNotEmpty("localAddress", string(node.LocalAddress))
			v.CheckStringNotEmpty("publicAddress", string(node.PublicAddress))
		}
	})

	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)
}

func (cfg *StorageCfg) ValidateJSON(v *jsonvalidator.Validator) {
	switch cfg.Backend {
	case "", "memory":

	case "postgres":
		v.CheckStringNotEmpty("postgresUri", cfg.PostgresURI)

	case "redis":
		v.WithChild("redis", func() {
			v.CheckStringNotEmpty("address", cfg.Redis.Address)
		})

	default:
		v.AddError("backend", "invalid_value",
			"unknown storage backend %q", cfg.Backend)
	}
}

func (cfg *APICfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("jwtSecret", cfg.JWTSecret)
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the node identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	instanceId := s.Program.ArgumentValue("id")

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	address := s.Cfg.API.Address
	if address == "" {
		nodeCfg := s.Cfg.Cluster.Nodes[consensus.NodeId(instanceId)]
		host, _, _ := net.SplitHostPort(string(nodeCfg.LocalAddress))
		address = net.JoinHostPort(host, "8081")
	}

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               address,
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	if err := s.initBackend(); err != nil {
		return err
	}

	s.hub = store.NewWatchHub()

	if err := s.initConsensusNode(); err != nil {
		return err
	}

	if err := s.initCoordinator(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initBackend() error {
	cfg := s.Cfg.Storage

	ctx := context.Background()

	switch cfg.Backend {
	case "", "memory":
		s.backend = store.NewMemoryBackend()

	case "postgres":
		backend, err := store.NewPostgresBackend(ctx, cfg.PostgresURI)
		if err != nil {
			return fmt.Errorf("cannot create postgres backend: %w", err)
		}

		s.backend = backend

	case "redis":
		backend, err := store.NewRedisBackend(ctx, cfg.Redis.Address,
			cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("cannot create redis backend: %w", err)
		}

		s.backend = backend

	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	return nil
}

func (s *Service) initConsensusNode() error {
	instanceId := s.Program.ArgumentValue("id")

	logger := s.Log.Child("consensus", log.Data{
		"instance": instanceId,
	})

	nodeCfg := consensus.NodeCfg{
		Id:    consensus.NodeId(instanceId),
		Nodes: s.Cfg.Cluster.Nodes,

		DataDirectory: s.Cfg.Cluster.DataDirectory,

		Logger: logger,

		ApplyEntryFunc: s.applyEntry,
	}

	node, err := consensus.NewNode(nodeCfg)
	if err != nil {
		return fmt.Errorf("cannot create consensus node: %w", err)
	}

	s.node = node

	return nil
}

func (s *Service) initCoordinator() error {
	coordinatorCfg := coordinator.CoordinatorCfg{
		Node:    s.node,
		Backend: s.backend,
		Hub:     s.hub,

		Logger: s.Log.Child("coordinator", log.Data{}),
	}

	c, err := coordinator.NewCoordinator(coordinatorCfg)
	if err != nil {
		return fmt.Errorf("cannot create coordinator: %w", err)
	}

	s.coordinator = c

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.node.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start consensus node: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.node.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
	s.backend.Close()
}

func (s *Service) applyEntry(entry []byte) error {
	return s.coordinator.ApplyEntry(entry)
}
