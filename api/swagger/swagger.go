package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "NextStep Learning API",
        "description": "Tutoring service API: accounts, class catalog, enrollments and payments.",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http",
        "https"
    ],
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "tags": [
        {"name": "Auth", "description": "Account registration and sessions"},
        {"name": "Profile", "description": "Current user's profile"},
        {"name": "Classes", "description": "Class catalog and admin management"},
        {"name": "Enrollments", "description": "Enrollment workflow and activation"},
        {"name": "Payments", "description": "Payment intents and provider webhook"},
        {"name": "Students", "description": "Admin learner management"},
        {"name": "Dashboard", "description": "Admin aggregates"},
        {"name": "Exports", "description": "Async roster and payment exports"}
    ],
    "paths": {
        "/auth/signup": {
            "post": {
                "tags": ["Auth"],
                "summary": "Register a student account",
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/Envelope"}},
                    "409": {"description": "Email already registered"}
                }
            }
        },
        "/auth/login": {
            "post": {
                "tags": ["Auth"],
                "summary": "Login with email and password",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/Envelope"}},
                    "401": {"description": "Invalid credentials"}
                }
            }
        },
        "/auth/google": {
            "post": {
                "tags": ["Auth"],
                "summary": "Login with a Google ID token",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/Envelope"}}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": ["Auth"],
                "summary": "Rotate a refresh token",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/Envelope"}}
                }
            }
        },
        "/classes": {
            "get": {
                "tags": ["Classes"],
                "summary": "List class offerings",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/Envelope"}}
                }
            }
        },
        "/enrollments": {
            "post": {
                "tags": ["Enrollments"],
                "summary": "Start an enrollment",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "201": {"description": "Pending enrollment created", "schema": {"$ref": "#/definitions/Envelope"}},
                    "404": {"description": "No active class for subject"},
                    "409": {"description": "Already enrolled"}
                }
            }
        },
        "/enrollments/{id}/confirm": {
            "post": {
                "tags": ["Enrollments"],
                "summary": "Confirm payment from the client",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "Activated or already active", "schema": {"$ref": "#/definitions/Envelope"}},
                    "412": {"description": "Payment has not succeeded yet"}
                }
            }
        },
        "/payments/intent": {
            "post": {
                "tags": ["Payments"],
                "summary": "Create a payment intent for an enrollment",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "201": {"description": "Intent created", "schema": {"$ref": "#/definitions/Envelope"}},
                    "409": {"description": "Enrollment already paid"}
                }
            }
        },
        "/payments/webhook": {
            "post": {
                "tags": ["Payments"],
                "summary": "Payment provider webhook",
                "responses": {
                    "200": {"description": "Received"},
                    "400": {"description": "Signature verification failed"}
                }
            }
        },
        "/admin/dashboard": {
            "get": {
                "tags": ["Dashboard"],
                "summary": "Admin dashboard statistics",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/Envelope"}}
                }
            }
        },
        "/admin/exports": {
            "post": {
                "tags": ["Exports"],
                "summary": "Queue an export job",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "202": {"description": "Job queued", "schema": {"$ref": "#/definitions/Envelope"}}
                }
            }
        }
    },
    "definitions": {
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "Warning": {
            "type": "object",
            "properties": {
                "action": {"type": "string"},
                "reason": {"type": "string"}
            }
        },
        "Envelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "warnings": {"type": "array", "items": {"$ref": "#/definitions/Warning"}},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
