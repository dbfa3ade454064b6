package grpcsvc

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

const protoFileName = "oms/v1/order_service.proto"

// RegisterDescriptor регистрирует дескриптор сервиса в глобальном реестре,
// чтобы grpc reflection отдавал схему (grpcurl, evans). Повторный вызов ничего не делает.
func RegisterDescriptor() error {
	if _, err := protoregistry.GlobalFiles.FindFileByPath(protoFileName); err == nil {
		return nil
	}
	file, err := protodesc.NewFile(serviceFileDescriptor(), protoregistry.GlobalFiles)
	if err != nil {
		return err
	}
	return protoregistry.GlobalFiles.RegisterFile(file)
}

func serviceFileDescriptor() *descriptorpb.FileDescriptorProto {
	structName := "." + string((&structpb.Struct{}).ProtoReflect().Descriptor().FullName())
	structFile := (&structpb.Struct{}).ProtoReflect().Descriptor().ParentFile().Path()

	methods := make([]*descriptorpb.MethodDescriptorProto, 0, len(OrderServiceDesc.Methods))
	for _, m := range OrderServiceDesc.Methods {
		methods = append(methods, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.MethodName),
			InputType:  proto.String(structName),
			OutputType: proto.String(structName),
		})
	}

	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String(protoFileName),
		Package:    proto.String(string(protoreflect.FullName(ServiceName).Parent())),
		Dependency: []string{structFile},
		Syntax:     proto.String("proto3"),
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name:   proto.String(string(protoreflect.FullName(ServiceName).Name())),
			Method: methods,
		}},
	}
}
