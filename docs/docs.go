// Package docs registers the gateway's OpenAPI description with swag.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "schemes": {{ marshal .Schemes }},
    "paths": {
        "/api/bounties": {
            "get": {
                "tags": ["Bounties"],
                "summary": "Backlog of open bounties older than the backlog delay, newest first",
                "parameters": [
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "before", "in": "query", "type": "string", "description": "next value from the previous page"}
                ],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Malformed limit or page key"}}
            }
        },
        "/api/bounty": {
            "post": {
                "tags": ["Bounties"],
                "summary": "Attach metadata to a bounty that exists on the ledger",
                "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateBountyRequest"}}],
                "responses": {
                    "201": {"description": "Created"},
                    "400": {"description": "Malformed input"},
                    "404": {"description": "Not on the ledger"},
                    "409": {"description": "Metadata exists or disagrees with the ledger"}
                }
            }
        },
        "/api/bounty/{id}": {
            "get": {
                "tags": ["Bounties"],
                "summary": "One bounty regardless of age",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Malformed id"}, "404": {"description": "Unknown id"}}
            },
            "put": {
                "tags": ["Bounties"],
                "summary": "Replace title, description and attachments (creator only)",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK"}, "403": {"description": "Not the creator"}, "404": {"description": "Unknown id"}}
            }
        },
        "/api/bounty/{id}/submit": {
            "post": {
                "tags": ["Submissions"],
                "summary": "Submit a result while the bounty is open",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/SubmitWorkRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created"},
                    "400": {"description": "Malformed wallet or result"},
                    "404": {"description": "Unknown id"},
                    "409": {"description": "Bounty not open"},
                    "429": {"description": "Rate limited"}
                }
            }
        },
        "/api/bounty/{id}/submissions": {
            "get": {
                "tags": ["Submissions"],
                "summary": "Submissions oldest first, flagged when accepted after resolution",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Unknown id"}}
            }
        },
        "/api/bounty/{id}/qrcode": {
            "get": {
                "tags": ["Bounties"],
                "summary": "PNG share code for the bounty link",
                "produces": ["image/png"],
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "PNG"}}
            }
        },
        "/api/my-bounties/{creator}": {
            "get": {
                "tags": ["Bounties"],
                "summary": "Open bounties of one creator, no delay",
                "parameters": [{"name": "creator", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK"}}
            }
        }
    },
    "definitions": {
        "CreateBountyRequest": {
            "type": "object",
            "required": ["id", "title", "description"],
            "properties": {
                "id": {"type": "string"},
                "title": {"type": "string", "maxLength": 200},
                "description": {"type": "string"},
                "attachments": {"type": "array", "items": {"type": "string"}},
                "creator_address": {"type": "string"},
                "amount": {"type": "integer"}
            }
        },
        "SubmitWorkRequest": {
            "type": "object",
            "required": ["wallet_address", "result"],
            "properties": {
                "wallet_address": {"type": "string"},
                "result": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Bounty Board Gateway API",
	Description:      "Metadata, backlog and submissions for ledger-escrowed bounties.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// JSON renders the registered document.
func JSON() (string, error) {
	return swag.ReadDoc(SwaggerInfo.InstanceName())
}
