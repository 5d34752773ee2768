package loader

// FlowSchema is the JSON schema for flow documents
const FlowSchema = `
{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "steps"],
  "definitions": {
    "ref": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "args": {"type": "object"}
      }
    }
  },
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "type": {"type": "string", "enum": ["transform", "call"]},
          "operation": {"type": "string"},
          "rules": {"type": "object"},
          "provider": {"type": "string"},
          "model": {"type": "string"},
          "prompt": {"type": "string"},
          "system": {"type": "string"},
          "format": {"type": "string", "enum": ["text", "json"]},
          "temperature": {"type": "number", "minimum": 0},
          "max_tokens": {"type": "integer", "minimum": 0}
        }
      }
    },
    "conditions": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "predicate": {"$ref": "#/definitions/ref"},
          "on_true": {"type": "string"},
          "on_false": {"type": "string"}
        }
      }
    },
    "validations": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["predicate"],
        "properties": {
          "predicate": {"$ref": "#/definitions/ref"},
          "max_retries": {"type": "integer", "minimum": 0},
          "retry_target": {"type": "string"}
        }
      }
    },
    "operations": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["name"],
          "properties": {
            "name": {"type": "string", "minLength": 1},
            "label": {"type": "string"},
            "target": {"type": "string"},
            "handler": {"$ref": "#/definitions/ref"}
          }
        }
      }
    },
    "router": {"$ref": "#/definitions/ref"}
  }
}
`
