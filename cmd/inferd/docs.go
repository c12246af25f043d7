package main

// General API documentation for swaggo. Regenerate the docs package with:
//
//	swag init -g cmd/inferd/docs.go -o docs
//
// @title           inferd API
// @version         1.0
// @description     Task layer in front of one exclusive LLM generation backend.
//
// @contact.name   inferd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
