package nvdb

import (
	"fmt"
	"reflect"
	"strings"
)

// Schema is the runtime registry of definitions and models, built once at
// startup via explicit registration calls. It replaces the compile-time
// code generation of the system this engine descends from.
type Schema struct {
	defs       []*Definition
	defsByName map[string]*Definition
}

func NewSchema() *Schema {
	return &Schema{defsByName: make(map[string]*Definition)}
}

func (scm *Schema) Definitions() []*Definition {
	return append([]*Definition(nil), scm.defs...)
}

func (scm *Schema) DefinitionNamed(name string) *Definition {
	return scm.defsByName[name]
}

// modelByRowType resolves a model across all definitions. Row types are
// unique schema-wide so that generic operations can infer the model.
func (scm *Schema) modelByRowType(rt reflect.Type) *Model {
	if rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	for _, def := range scm.defs {
		if mdl := def.modelsByRowType[rt]; mdl != nil {
			return mdl
		}
	}
	panic(fmt.Errorf("no model defined for row type %v", rt))
}

// Definition is a named namespace of models. Multiple definitions may share
// one physical store; every table name is definition-prefixed, which lets
// cross-definition links resolve inside a single transaction.
type Definition struct {
	schema          *Schema
	name            string
	models          []*Model
	modelsByName    map[string]*Model
	modelsByRowType map[reflect.Type]*Model
}

func AddDefinition(scm *Schema, name string) *Definition {
	if strings.ContainsRune(name, ':') {
		panic(fmt.Errorf("definition name %q must not contain ':'", name))
	}
	if scm.defsByName[name] != nil {
		panic(fmt.Errorf("duplicate definition %q", name))
	}
	def := &Definition{
		schema:          scm,
		name:            name,
		modelsByName:    make(map[string]*Model),
		modelsByRowType: make(map[reflect.Type]*Model),
	}
	scm.defs = append(scm.defs, def)
	scm.defsByName[name] = def
	return def
}

func (def *Definition) Name() string {
	return def.name
}

func (def *Definition) Models() []*Model {
	return append([]*Model(nil), def.models...)
}

func (def *Definition) ModelNamed(name string) *Model {
	return def.modelsByName[name]
}

func (def *Definition) addModel(mdl *Model) {
	if strings.ContainsRune(mdl.name, ':') {
		panic(fmt.Errorf("model name %q must not contain ':'", mdl.name))
	}
	if def.modelsByName[mdl.name] != nil {
		panic(fmt.Errorf("%s: duplicate model %q", def.name, mdl.name))
	}
	if other := def.modelsByRowType[mdl.rowType]; other != nil {
		panic(fmt.Errorf("%s: row type %v already used by model %q", def.name, mdl.rowType, other.name))
	}
	def.models = append(def.models, mdl)
	def.modelsByName[mdl.name] = mdl
	def.modelsByRowType[mdl.rowType] = mdl
}

// validate runs schema-wide consistency checks before a store opens.
func (scm *Schema) validate() error {
	for _, def := range scm.defs {
		for _, mdl := range def.models {
			for _, rel := range mdl.relations {
				if rel.target == nil {
					return fmt.Errorf("%s: relation %q has no target model", mdl.FullName(), rel.field)
				}
				if rel.target.def.schema != scm {
					return fmt.Errorf("%s: relation %q targets a model from another schema", mdl.FullName(), rel.field)
				}
				if rel.codec.typ != rel.target.keyCodec.typ {
					return fmt.Errorf("%s: relation %q key type %v does not match target %s key type %v",
						mdl.FullName(), rel.field, rel.codec.typ, rel.target.FullName(), rel.target.keyCodec.typ)
				}
			}
		}
	}
	return nil
}
