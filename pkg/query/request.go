package query

import (
	"errors"
	"fmt"
)

// Request 单个采集请求，只有 AttributeRequest 和 OperationRequest 两种实现
type Request interface {
	RequestName() string
	RequestTarget() string
	validate() error
}

var ErrInvalidRequest = errors.New("invalid request")

// AttributeRequest 读取目标对象的一组属性，Attributes 为空表示全部属性
type AttributeRequest struct {
	Name       string
	Target     string
	Attributes []string
}

func (r AttributeRequest) RequestName() string   { return r.Name }
func (r AttributeRequest) RequestTarget() string { return r.Target }

func (r AttributeRequest) validate() error {
	if r.Name == "" || r.Target == "" {
		return fmt.Errorf("%w: attribute request needs name and target (name=%q target=%q)",
			ErrInvalidRequest, r.Name, r.Target)
	}
	return nil
}

// OperationRequest 在目标对象上调用一个操作
type OperationRequest struct {
	Name      string
	Target    string
	Operation string
	Args      []any
	Signature []string
}

func (r OperationRequest) RequestName() string   { return r.Name }
func (r OperationRequest) RequestTarget() string { return r.Target }

func (r OperationRequest) validate() error {
	if r.Name == "" || r.Target == "" || r.Operation == "" {
		return fmt.Errorf("%w: operation request needs name, target and operation (name=%q target=%q oper=%q)",
			ErrInvalidRequest, r.Name, r.Target, r.Operation)
	}
	if len(r.Signature) > 0 && len(r.Signature) != len(r.Args) {
		return fmt.Errorf("%w: operation %s has %d args but %d signature entries",
			ErrInvalidRequest, r.Operation, len(r.Args), len(r.Signature))
	}
	return nil
}
