// Package docs is generated by swaggo/swag from the handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {
            "name": "Apache 2.0",
            "url": "http://www.apache.org/licenses/LICENSE-2.0.html"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/v1/sync": {
            "get": {
                "produces": ["application/json"],
                "tags": ["sync"],
                "summary": "Recent sync runs",
                "parameters": [
                    {"type": "integer", "description": "Maximum runs", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["sync"],
                "summary": "Trigger a sync run",
                "parameters": [
                    {"description": "Sync request", "name": "request", "in": "body", "required": true, "schema": {"type": "object"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/v1/sync/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["sync"],
                "summary": "Get a sync run",
                "parameters": [
                    {"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/webhooks/restaurant-updates": {
            "get": {
                "produces": ["application/json"],
                "tags": ["webhooks"],
                "summary": "Webhook activity",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}}
                }
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["webhooks"],
                "summary": "Receive a restaurant update webhook",
                "parameters": [
                    {"type": "string", "description": "Hex HMAC-SHA256 signature", "name": "X-Webhook-Signature", "in": "header"},
                    {"type": "string", "description": "Signing timestamp", "name": "X-Webhook-Timestamp", "in": "header"},
                    {"type": "boolean", "description": "Queue instead of processing inline", "name": "async", "in": "query"},
                    {"description": "Webhook payload", "name": "payload", "in": "body", "required": true, "schema": {"type": "object"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "202": {"description": "Accepted", "schema": {"type": "object"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "429": {"description": "Too Many Requests"}
                }
            }
        },
        "/webhooks/restaurant-updates/archive/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["webhooks"],
                "summary": "Archived webhook payload",
                "parameters": [
                    {"type": "string", "description": "Ingestion ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/v1/reports/freshness": {
            "get": {
                "produces": ["application/json"],
                "tags": ["reports"],
                "summary": "Freshness report",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}}
                }
            }
        },
        "/v1/reports/changes": {
            "get": {
                "produces": ["application/json"],
                "tags": ["reports"],
                "summary": "Change activity report",
                "parameters": [
                    {"type": "string", "description": "Go duration, default 24h", "name": "window", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/v1/review-queue": {
            "get": {
                "produces": ["application/json"],
                "tags": ["reports"],
                "summary": "Pending reviews",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"type": "object"}}}
                }
            }
        },
        "/v1/entities/{id}/changes": {
            "get": {
                "produces": ["application/json"],
                "tags": ["reports"],
                "summary": "Change history of one entity",
                "parameters": [
                    {"type": "string", "description": "Entity ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"type": "object"}}}
                }
            }
        },
        "/v1/entities/{id}/enrichment": {
            "get": {
                "produces": ["application/json"],
                "tags": ["enrichment"],
                "summary": "Get an entity's enrichment profile",
                "parameters": [
                    {"type": "string", "description": "Entity ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/v1/enrichment/recompute": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["enrichment"],
                "summary": "Recompute enrichment profiles",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "errors.ErrorResponse": {
            "type": "object",
            "properties": {
                "details": {"type": "object", "additionalProperties": true},
                "error": {"type": "string"},
                "error_code": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api",
	Schemes:          []string{"http", "https"},
	Title:            "Restosync API",
	Description:      "Keeps restaurant listings fresh: scheduled lookups, webhook ingestion, audited change detection and freshness reporting.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
