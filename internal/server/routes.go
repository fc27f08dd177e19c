package server

import (
	"github.com/danielgtaylor/huma/v2"

	v1 "github.com/fundroom/fundroom/internal/api/v1"
	"github.com/fundroom/fundroom/internal/auth"
	"github.com/fundroom/fundroom/internal/signature"
	"github.com/fundroom/fundroom/internal/store/postgres"
)

func registerAuthRoutes(api huma.API, store *postgres.Store, authSvc *auth.Service) {
	v1.RegisterAuthRoutes(api, store, authSvc)
}

func registerSigningRoutes(api huma.API, svc *signature.Service) {
	v1.RegisterSigningRoutes(api, svc)
}

func registerAPIRoutes(api huma.API, store *postgres.Store, svc *signature.Service) {
	v1.RegisterTenantRoutes(api, store)
	v1.RegisterDocumentRoutes(api, store, svc)
}
